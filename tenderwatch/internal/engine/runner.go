package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/licita/idgen"
	"github.com/hazyhaar/licita/tenderwatch/internal/layout"
	"github.com/hazyhaar/licita/tenderwatch/internal/ledger"
	"github.com/hazyhaar/licita/tenderwatch/internal/packager"
	"github.com/hazyhaar/licita/tenderwatch/tender"
)

// Config is the immutable per-run configuration.
type Config struct {
	CompanyID string
	// Portal names the ledger key and archive prefix. Several company ids
	// may share one portal name.
	Portal    string
	OutputDir string
	Query     Query

	StallAfter     time.Duration // default 25s
	MaxRows        int           // candidates attempted per run, default 100
	IdlePasses     int           // passes without new rows before stopping, default 2
	LockStaleAfter time.Duration // default ledger.DefaultStaleAfter

	Journal Journal
	Logger  *slog.Logger
	Now     func() time.Time
}

func (c *Config) defaults() {
	if c.StallAfter <= 0 {
		c.StallAfter = 25 * time.Second
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 100
	}
	if c.IdlePasses <= 0 {
		c.IdlePasses = 2
	}
	if c.LockStaleAfter <= 0 {
		c.LockStaleAfter = ledger.DefaultStaleAfter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Portal == "" {
		c.Portal = c.CompanyID
	}
}

// Env is what an Opener receives to build the portal for one run.
type Env struct {
	CompanyID string
	Layout    layout.Layout
	Logger    *slog.Logger
	RunStart  time.Time
}

// Opener builds the portal, typically opening the browser session. An
// error is fatal to the run.
type Opener func(ctx context.Context, env Env) (Portal, error)

// Runner executes runs.
type Runner struct {
	cfg  Config
	open Opener
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, open Opener) *Runner {
	cfg.defaults()
	return &Runner{cfg: cfg, open: open}
}

// run holds the mutable state of one invocation.
type run struct {
	cfg     Config
	id      string
	start   time.Time
	log     *slog.Logger
	layout  layout.Layout
	ledger  *ledger.Ledger
	pack    *packager.Packager
	portal  Portal
	inRun   map[string]bool
	results []tender.Result

	attempted int
	completed int
	loaded    bool
	errs      []string
}

// Run executes Init, Scanning, ProcessingCandidate*, Finalizing. It never
// returns an error: failures are reflected in the Outcome.
func (r *Runner) Run(ctx context.Context) tender.Outcome {
	cfg := r.cfg
	st := &run{
		cfg:   cfg,
		id:    idgen.RunID(),
		start: cfg.Now(),
		inRun: make(map[string]bool),
	}
	st.log = cfg.Logger.With("run_id", st.id, "company_id", cfg.CompanyID)
	st.log.Info("engine: run started", "keywords", cfg.Query.Keywords)

	lay, err := layout.Ensure(cfg.OutputDir)
	if err != nil {
		return st.fail(ctx, err)
	}
	st.layout = lay

	unlock, err := ledger.Lock(lay.LedgerPath(cfg.CompanyID), cfg.LockStaleAfter, st.log)
	if err != nil {
		return st.fail(ctx, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			st.log.Warn("engine: release ledger lock", "error", err)
		}
	}()

	led, err := ledger.Open(lay.LedgerPath(cfg.CompanyID), ledger.Key(cfg.Portal), ledger.WithLogger(st.log))
	if err != nil {
		return st.fail(ctx, err)
	}
	st.ledger = led
	st.pack = packager.New(lay.Archives, packager.WithLogger(st.log))
	st.journal(func(j Journal) error { return j.Begin(ctx, st.id, cfg.CompanyID, st.start) })

	portal, err := r.open(ctx, Env{CompanyID: cfg.CompanyID, Layout: lay, Logger: st.log, RunStart: st.start})
	if err != nil {
		return st.fail(ctx, fmt.Errorf("engine: open portal: %w", err))
	}
	st.portal = portal
	defer func() {
		if err := portal.Close(); err != nil {
			st.log.Warn("engine: close portal", "error", err)
		}
	}()

	st.scanAll(ctx)
	return st.finalize(ctx)
}

func (st *run) fail(ctx context.Context, err error) tender.Outcome {
	st.log.Error("engine: run failed", "error", err)
	st.errs = append(st.errs, err.Error())
	return st.finalize(ctx)
}

func (st *run) finalize(ctx context.Context) tender.Outcome {
	o := tender.Outcome{
		SchemaVersion: tender.SchemaVersion,
		Success:       st.loaded || st.completed > 0,
		CompanyID:     st.cfg.CompanyID,
		Tenders:       st.results,
	}
	if o.Tenders == nil {
		o.Tenders = []tender.Result{}
	}
	if len(st.errs) > 0 {
		msg := strings.Join(st.errs, "; ")
		o.ErrorMessage = &msg
	}
	if st.ledger != nil {
		if err := st.ledger.Flush(); err != nil {
			st.log.Error("engine: final ledger flush", "error", err)
		}
	}
	st.journal(func(j Journal) error { return j.Finish(context.WithoutCancel(ctx), st.id, o, st.cfg.Now()) })
	st.log.Info("engine: run finished",
		"success", o.Success, "results", len(o.Tenders),
		"attempted", st.attempted, "duration", st.cfg.Now().Sub(st.start))
	return o
}

func (st *run) journal(fn func(Journal) error) {
	if st.cfg.Journal == nil {
		return
	}
	if err := fn(st.cfg.Journal); err != nil {
		st.log.Warn("engine: journal", "error", err)
	}
}

func (st *run) scanAll(ctx context.Context) {
	queries := []Query{st.cfg.Query}
	if sp, ok := st.portal.(Splitter); ok {
		queries = sp.Split(st.cfg.Query)
	}
	for _, q := range queries {
		if q.RunStart.IsZero() {
			q.RunStart = st.start
		}
		err := st.scan(ctx, q)
		if err != nil {
			st.log.Error("engine: scan failed", "keywords", q.Keywords, "error", err)
			st.errs = append(st.errs, err.Error())
		}
		if ctx.Err() != nil || st.attempted >= st.cfg.MaxRows {
			return
		}
	}
}

// scan iterates one listing until it is exhausted.
func (st *run) scan(ctx context.Context, q Query) error {
	listing, err := st.portal.Scan(ctx, q)
	if err != nil {
		return fmt.Errorf("engine: scan: %w", err)
	}
	seen := make(map[string]bool)
	idle, offset := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := listing.Rows(ctx)
		if err != nil {
			return fmt.Errorf("engine: read rows: %w", err)
		}
		st.loaded = true

		fresh := 0
		var next *Candidate
		for i := range rows {
			c := rows[i]
			if strings.TrimSpace(c.ID) == "" {
				c.ID = idgen.Row(offset+i+1, st.start)
			}
			if !seen[c.ID] {
				seen[c.ID] = true
				fresh++
			}
			if next == nil && st.eligible(c, q) {
				next = &c
			}
		}

		if next != nil {
			idle = 0
			rescan := st.process(ctx, listing, *next)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if st.attempted >= st.cfg.MaxRows {
				st.log.Warn("engine: row cap reached", "max_rows", st.cfg.MaxRows)
				return nil
			}
			if rescan {
				st.log.Info("engine: recovering with a fresh scan")
				if listing, err = st.portal.Scan(ctx, q); err != nil {
					return fmt.Errorf("engine: recovery scan: %w", err)
				}
				offset = 0
			}
			continue
		}

		if fresh == 0 {
			idle++
		} else {
			idle = 0
		}
		if idle >= st.cfg.IdlePasses {
			st.log.Info("engine: no new rows, stopping", "passes", idle, "seen", len(seen))
			return nil
		}
		if total := listing.Total(); total >= 0 && len(seen) >= total {
			st.log.Info("engine: declared total reached", "total", total)
			return nil
		}
		more, err := listing.Next(ctx)
		if err != nil {
			return fmt.Errorf("engine: next page: %w", err)
		}
		if !more {
			return nil
		}
		offset += len(rows)
	}
}

// eligible applies the in-run seen set, the ledger, and the keyword filter.
func (st *run) eligible(c Candidate, q Query) bool {
	if st.inRun[c.ID] || st.ledger.Has(c.ID) {
		return false
	}
	if m, ok := st.portal.(Matcher); ok {
		return m.Match(c, q)
	}
	return MatchAny(c.Title, q.Keywords)
}

// process runs one candidate to a terminal state, records it in the ledger
// before anything else happens, and restores the listing. It reports
// whether the listing must be re-scanned.
func (st *run) process(ctx context.Context, listing Listing, c Candidate) bool {
	st.attempted++
	st.inRun[c.ID] = true
	log := st.log.With("tender_id", c.ID)

	rec, err := st.candidate(ctx, c, log)
	if ctx.Err() != nil {
		// Cancelled runs leave the in-flight candidate for the next run.
		log.Warn("engine: run cancelled mid-candidate", "error", ctx.Err())
		return false
	}

	st.completed++
	if err := st.ledger.Add(c.ID); err != nil {
		log.Error("engine: ledger add", "error", err)
	}
	st.journal(func(j Journal) error { return j.Record(ctx, st.id, rec) })

	if rec.Status != StatusFailed {
		r := tender.Result{TenderID: rec.TenderID, Title: rec.Title, SourceURL: rec.SourceURL}
		if rec.ZipPath != "" {
			p := tender.Relativize(st.layout.Root, rec.ZipPath)
			r.ZipPath = &p
		}
		st.results = append(st.results, r)
	}

	if errors.Is(err, ErrStalled) {
		return true
	}
	if err := listing.Return(ctx); err != nil {
		log.Warn("engine: return to listing failed", "error", err)
		return true
	}
	return false
}

// candidate extracts and packages one candidate. The returned error is the
// cause of a failed record.
func (st *run) candidate(ctx context.Context, c Candidate, log *slog.Logger) (Record, error) {
	rec := Record{
		TenderID:  c.ID,
		Title:     strings.TrimSpace(c.Title),
		SourceURL: c.URL,
		Started:   st.cfg.Now(),
	}
	if rec.Title == "" {
		rec.Title = c.ID
	}
	if rec.SourceURL == "" {
		rec.SourceURL = st.portal.Home()
	}
	failed := func(err error) (Record, error) {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		rec.Duration = st.cfg.Now().Sub(rec.Started)
		log.Error("engine: candidate failed", "error", err)
		if ctx.Err() == nil {
			st.snapshot(ctx, c.ID)
		}
		return rec, err
	}

	staging, err := st.layout.Staging(st.cfg.Portal, c.ID)
	if err != nil {
		return failed(err)
	}
	log.Info("engine: processing candidate", "title", rec.Title)

	job := newJob(c, staging, log, nil)
	files, err := st.extract(ctx, job)
	if u := job.sourceURL(); u != "" {
		rec.SourceURL = u
	}
	if err != nil && !errors.Is(err, ErrNoAttachments) {
		st.pack.Discard(staging)
		return failed(err)
	}

	bundle := packager.Bundle{Portal: st.cfg.Portal, ID: c.ID, Label: c.Label, Staging: staging}
	for _, f := range files {
		bundle.Files = append(bundle.Files, packager.File{Path: f.Path, Name: f.Name})
	}
	zip, err := st.pack.Package(bundle)
	if err != nil {
		return failed(err)
	}
	rec.Files = len(files)
	rec.ZipPath = zip
	rec.Status = StatusArchived
	if zip == "" {
		rec.Status = StatusEmpty
	}
	rec.Duration = st.cfg.Now().Sub(rec.Started)
	log.Info("engine: candidate done", "status", rec.Status, "files", rec.Files, "zip", zip)
	return rec, nil
}

// extract calls the portal under the stall watchdog, converting panics into
// errors.
func (st *run) extract(ctx context.Context, job *Job) (files []Attachment, err error) {
	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wd := newWatchdog(st.cfg.StallAfter, cancel, st.cfg.Now)
	job.wd = wd
	go wd.run(cctx)
	defer wd.stop()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine: portal panic: %v", p)
		}
		if errors.Is(context.Cause(cctx), ErrStalled) {
			err = fmt.Errorf("%w after %s without progress", ErrStalled, st.cfg.StallAfter)
		}
	}()
	return st.portal.Extract(cctx, job)
}

func (st *run) snapshot(ctx context.Context, id string) {
	sn, ok := st.portal.(Snapshotter)
	if !ok {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
	defer cancel()
	path := st.layout.Screenshot(st.cfg.Portal, "failed_"+id, st.cfg.Now())
	if err := sn.Snapshot(sctx, path); err != nil {
		st.log.Warn("engine: screenshot", "error", err)
	}
}
