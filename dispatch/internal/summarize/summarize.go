// Package summarize turns a tender archive into a Markdown brief: every
// readable document is analyzed by a language model, and the analyses are
// consolidated when there is more than one.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/docpipe"
)

// Prompt limits. Long documents keep their head, where the notice is, and
// their tail, where the Termo de Referência usually sits.
const (
	clipAbove = 50000
	clipHead  = 20000
	clipTail  = 30000
	clipMark  = "\n...[texto intermediário omitido]...\n"

	documentTokens    = 2048
	consolidateTokens = 4096
)

// ErrNothingToRead is returned for archives with no extractable text.
var ErrNothingToRead = errors.New("summarize: no readable document in archive")

// Completer sends one prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Analyzer summarizes tender archives. Safe for concurrent use.
type Analyzer struct {
	llm     Completer
	pipe    *docpipe.Pipeline
	logger  *slog.Logger
	policy  connectivity.Policy
	breaker *connectivity.CircuitBreaker
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithPipeline replaces the document extraction pipeline.
func WithPipeline(p *docpipe.Pipeline) Option {
	return func(a *Analyzer) { a.pipe = p }
}

// WithPolicy sets the retry policy of model calls.
func WithPolicy(p connectivity.Policy) Option {
	return func(a *Analyzer) { a.policy = p }
}

// WithBreaker sets the circuit breaker guarding model calls.
func WithBreaker(cb *connectivity.CircuitBreaker) Option {
	return func(a *Analyzer) { a.breaker = cb }
}

// New creates an Analyzer backed by llm.
func New(llm Completer, opts ...Option) *Analyzer {
	a := &Analyzer{
		llm:     llm,
		logger:  slog.Default(),
		policy:  connectivity.Policy{Attempts: 3},
		breaker: connectivity.NewCircuitBreaker("summarize"),
	}
	for _, o := range opts {
		o(a)
	}
	if a.pipe == nil {
		a.pipe = docpipe.New(docpipe.Config{Logger: a.logger})
	}
	a.policy.Logger = a.logger
	return a
}

type analysis struct {
	name string
	text string
}

// Analyze summarizes the archive at path. Documents whose analysis fails
// are left out; the call fails only when none succeeds.
func (a *Analyzer) Analyze(ctx context.Context, path string) (string, error) {
	bundle, err := a.pipe.ExtractArchive(ctx, path)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	docs := bundle.Readable()
	if len(docs) == 0 {
		return "", ErrNothingToRead
	}

	var (
		done    []analysis
		lastErr error
	)
	for _, d := range docs {
		text, err := a.complete(ctx, "document", fmt.Sprintf(documentPrompt, d.Name, clip(d.Text)), documentTokens)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			a.logger.Warn("summarize: document analysis failed", "archive", bundle.Archive, "document", d.Name, "error", err)
			lastErr = err
			continue
		}
		done = append(done, analysis{name: d.Name, text: text})
	}
	if len(done) == 0 {
		return "", fmt.Errorf("summarize: every document failed: %w", lastErr)
	}

	summary := done[0].text
	if len(done) > 1 {
		consolidated, err := a.complete(ctx, "consolidate", fmt.Sprintf(consolidatePrompt, joinAnalyses(done)), consolidateTokens)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			a.logger.Warn("summarize: consolidation failed, keeping per-document analyses", "archive", bundle.Archive, "error", err)
			consolidated = joinAnalyses(done)
		}
		summary = consolidated
	}

	if scans := bundle.NeedsOCR(); len(scans) > 0 {
		summary += "\n\n> Documentos digitalizados sem texto (não analisados): " + strings.Join(scans, ", ")
	}
	a.logger.Info("summarize: archive analyzed",
		"archive", bundle.Archive,
		"documents", len(docs),
		"analyzed", len(done),
		"skipped", len(bundle.Skipped))
	return summary, nil
}

func (a *Analyzer) complete(ctx context.Context, op, prompt string, maxTokens int) (string, error) {
	var out string
	err := connectivity.Retry(ctx, a.policy, "summarize."+op, func(ctx context.Context) error {
		return a.breaker.Do(ctx, func(ctx context.Context) error {
			text, err := a.llm.Complete(ctx, systemPrompt, prompt, maxTokens)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("summarize: empty completion")
			}
			out = text
			return nil
		})
	})
	return out, err
}

func joinAnalyses(done []analysis) string {
	var sb strings.Builder
	for i, d := range done {
		fmt.Fprintf(&sb, "\n\n--- DOCUMENT %d: %s ---\n\n", i+1, d.name)
		sb.WriteString(d.text)
	}
	return strings.TrimLeft(sb.String(), "\n")
}

// clip keeps the first clipHead and last clipTail runes of texts longer
// than clipAbove runes.
func clip(text string) string {
	if utf8.RuneCountInString(text) <= clipAbove {
		return text
	}
	r := []rune(text)
	return string(r[:clipHead]) + clipMark + string(r[len(r)-clipTail:])
}
