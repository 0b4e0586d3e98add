// Package tenderwatch runs one procurement portal end to end: it opens the
// portal adapter for a company id, drives the engine, and returns the
// outcome document that callers print or post.
package tenderwatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
	"github.com/hazyhaar/licita/tenderwatch/internal/layout"
	"github.com/hazyhaar/licita/tenderwatch/internal/ledger"
	"github.com/hazyhaar/licita/tenderwatch/internal/portal"
	"github.com/hazyhaar/licita/tenderwatch/internal/runlog"
	"github.com/hazyhaar/licita/tenderwatch/internal/sink"
	"github.com/hazyhaar/licita/tenderwatch/tender"
)

// Options describe one run.
type Options struct {
	CompanyID string
	OutputDir string
	// Keywords override the configured company keywords when non-empty.
	Keywords []string
	// NotionDatabaseID is passed through by the dispatcher; it is only logged.
	NotionDatabaseID string

	Config *Config
	Logger *slog.Logger
}

// Portal describes one supported company.
type Portal struct {
	CompanyID string `json:"company_id"`
	Portal    string `json:"portal"`
	Home      string `json:"home"`
	Browser   bool   `json:"browser"`
}

// Portals lists the supported companies, sorted by id.
func Portals() []Portal {
	defs := portal.Definitions()
	out := make([]Portal, len(defs))
	for i, d := range defs {
		out[i] = Portal{CompanyID: d.CompanyID, Portal: d.Portal, Home: d.Home, Browser: d.Browser}
	}
	return out
}

// Run executes one run. It never returns an error: every failure is
// reflected in the outcome.
func Run(ctx context.Context, opts Options) tender.Outcome {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	def, err := portal.Lookup(opts.CompanyID)
	if err != nil {
		return tender.Failed(outcomeID(opts.CompanyID), err.Error())
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return tender.Failed(def.CompanyID, "tenderwatch: output directory is required")
	}
	lay, err := layout.Ensure(opts.OutputDir)
	if err != nil {
		return tender.Failed(def.CompanyID, err.Error())
	}

	closeLog, logger := teeRunLog(logger, lay, def.CompanyID)
	defer closeLog()

	bcfg, err := browserConfig(cfg.Browser)
	if err != nil {
		return tender.Failed(def.CompanyID, err.Error())
	}

	cc := cfg.Company(def.CompanyID)
	keywords := cleanKeywords(opts.Keywords)
	if len(keywords) == 0 {
		keywords = cleanKeywords(cc.Keywords)
	}
	notion := opts.NotionDatabaseID
	if notion == "" {
		notion = cc.NotionDatabaseID
	}
	logger.Info("tenderwatch: run requested",
		"company_id", def.CompanyID,
		"portal", def.Portal,
		"output_dir", lay.Root,
		"keywords", keywords,
		"notion_database_id", notion)

	ecfg := engine.Config{
		CompanyID:      def.CompanyID,
		Portal:         def.Portal,
		OutputDir:      lay.Root,
		Query:          engine.Query{Keywords: keywords},
		StallAfter:     cfg.Engine.StallAfter,
		MaxRows:        cfg.Engine.MaxRows,
		IdlePasses:     cfg.Engine.IdlePasses,
		LockStaleAfter: cfg.Engine.LockStaleAfter,
		Logger:         logger,
	}
	if cfg.Journal.On() {
		path := journalPath(cfg, lay)
		j, err := runlog.Open(path)
		if err != nil {
			logger.Warn("tenderwatch: journal unavailable", "path", path, "error", err)
		} else {
			defer j.Close()
			ecfg.Journal = j
		}
	}

	set := portal.Settings{
		URL:           cc.URL,
		BidderCNPJ:    cc.BidderCNPJ,
		WorkerCommand: cc.WorkerCommand,
		WorkerTimeout: cc.WorkerTimeout,
	}
	return engine.NewRunner(ecfg, def.Opener(bcfg, set)).Run(ctx)
}

// Deliver writes o to w and posts it to every configured webhook. Only the
// write to w decides the error; webhook failures are logged.
func Deliver(ctx context.Context, cfg *Config, o tender.Outcome, w io.Writer, logger *slog.Logger) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := sink.NewStdout(w).WithLogger(logger).Deliver(ctx, o); err != nil {
		return err
	}
	var hooks []sink.Sink
	for _, sc := range cfg.Sinks {
		if sc.Type != "webhook" {
			continue
		}
		hooks = append(hooks, sink.NewWebhook(sc.URL,
			sink.WithWebhookAttempts(sc.Retries),
			sink.WithWebhookTimeout(sc.Timeout),
			sink.WithWebhookHeaders(sc.Headers),
			sink.WithWebhookLogger(logger)))
	}
	if len(hooks) > 0 {
		if err := sink.NewRouter(logger, hooks...).Deliver(ctx, o); err != nil {
			logger.Warn("tenderwatch: webhook delivery failed", "error", err)
		}
	}
	return nil
}

// Processed returns the ids recorded in the ledger of companyID under
// outputDir, in insertion order. A missing ledger yields an empty list.
func Processed(outputDir, companyID string) ([]string, error) {
	def, err := portal.Lookup(companyID)
	if err != nil {
		return nil, err
	}
	lay, err := layout.New(outputDir)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(lay.LedgerPath(def.CompanyID), ledger.Key(def.Portal), ledger.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		return nil, err
	}
	return led.IDs(), nil
}

// RunSummary is one journal entry.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	CompanyID string    `json:"company_id"`
	Started   time.Time `json:"started_at"`
	Finished  time.Time `json:"finished_at,omitzero"`
	Success   bool      `json:"success"`
	Results   int       `json:"results"`
	Error     string    `json:"error_message,omitempty"`
}

// History returns the most recent runs journaled for outputDir, newest
// first. companyID may be empty.
func History(ctx context.Context, cfg *Config, outputDir, companyID string, limit int) ([]RunSummary, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	lay, err := layout.New(outputDir)
	if err != nil {
		return nil, err
	}
	path := journalPath(cfg, lay)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return []RunSummary{}, nil
		}
		return nil, err
	}
	j, err := runlog.Open(path)
	if err != nil {
		return nil, err
	}
	defer j.Close()

	if companyID != "" {
		def, err := portal.Lookup(companyID)
		if err != nil {
			return nil, err
		}
		companyID = def.CompanyID
	}
	runs, err := j.Runs(ctx, runlog.Filter{CompanyID: companyID, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, len(runs))
	for i, r := range runs {
		out[i] = RunSummary{
			RunID:     r.ID,
			CompanyID: r.CompanyID,
			Started:   r.Started,
			Finished:  r.Finished,
			Success:   r.Success,
			Results:   r.Results,
			Error:     r.Error,
		}
	}
	return out, nil
}

func journalPath(cfg *Config, lay layout.Layout) string {
	if cfg.Journal.Path != "" {
		return cfg.Journal.Path
	}
	return lay.Journal()
}

func browserConfig(bc BrowserConfig) (browser.Config, error) {
	level, err := browser.ParseStealth(bc.Stealth)
	if err != nil {
		return browser.Config{}, err
	}
	return browser.Config{
		RemoteURL:         bc.Remote,
		Stealth:           level,
		XvfbDisplay:       bc.XvfbDisplay,
		ResourceBlocking:  bc.ResourceBlocking,
		NavigationTimeout: bc.NavigationTimeout,
		ActionTimeout:     bc.ActionTimeout,
		VerifyTLS:         bc.VerifyTLS,
	}, nil
}

// cleanKeywords splits comma lists, trims, and drops empty entries.
func cleanKeywords(in []string) []string {
	var out []string
	for _, k := range in {
		for _, part := range strings.Split(k, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func outcomeID(companyID string) string {
	if id := strings.ToUpper(strings.TrimSpace(companyID)); id != "" {
		return id
	}
	return "UNKNOWN"
}

// teeRunLog duplicates logger records into the run's log file. The returned
// func closes the file.
func teeRunLog(logger *slog.Logger, lay layout.Layout, companyID string) (func(), *slog.Logger) {
	path := lay.LogFile(companyID, time.Now())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("tenderwatch: run log unavailable", "path", path, "error", err)
		return func() {}, logger
	}
	file := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return func() { f.Close() }, slog.New(tee{logger.Handler(), file})
}

type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
