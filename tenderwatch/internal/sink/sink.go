// Package sink delivers run outcomes. Stdout is the contract; webhooks
// are best-effort copies.
package sink

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hazyhaar/licita/tenderwatch/tender"
)

// Sink receives one outcome per run.
type Sink interface {
	Deliver(ctx context.Context, o tender.Outcome) error
}

// Stdout writes the outcome as one JSON line.
type Stdout struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{w: w, logger: slog.Default()}
}

// WithLogger sets the logger that reports dropped results.
func (s *Stdout) WithLogger(l *slog.Logger) *Stdout {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *Stdout) Deliver(_ context.Context, o tender.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tender.Encode(s.w, prune(s.logger, o))
}

// prune drops results that break the contract, logging each one.
func prune(logger *slog.Logger, o tender.Outcome) tender.Outcome {
	o, dropped := o.Prune()
	for _, err := range dropped {
		logger.Error("sink: invalid result dropped", "company_id", o.CompanyID, "error", err)
	}
	return o
}

// Router fans an outcome out to every sink. Errors are logged; the
// first one is returned once all sinks have been tried.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Deliver(ctx context.Context, o tender.Outcome) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Deliver(ctx, o); err != nil {
			r.logger.Warn("sink: deliver failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
