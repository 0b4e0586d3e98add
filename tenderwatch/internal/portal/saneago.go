package portal

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
	"github.com/hazyhaar/licita/tenderwatch/internal/worker"
)

const saneagoHome = "https://www.saneago.com.br/licitacoes/"

const maxEntrySize = 512 << 20

var saneagoArchiveID = regexp.MustCompile(`Saneago_(\d+)`)

// saneago delegates the site to an external worker that returns one zip.
// The run sees a single candidate parsed from the archive name.
type saneago struct {
	name   string
	home   string
	runner *worker.Runner
	tmp    string
	now    func() time.Time
	log    *slog.Logger

	archive string
}

func newSANEAGO(ctx context.Context, env Env) (engine.Portal, error) {
	if len(env.Settings.WorkerCommand) == 0 {
		return nil, fmt.Errorf("portal: SANEAGO needs a worker command")
	}
	tmp := filepath.Join(env.Layout.Temp, "SANEAGO_worker_"+env.RunStart.Format("20060102150405"))
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("portal: SANEAGO worker dir: %w", err)
	}
	log := env.Logger.With("portal", "SANEAGO")
	return &saneago{
		name: "SANEAGO",
		home: env.Home,
		runner: &worker.Runner{
			Command: env.Settings.WorkerCommand,
			Timeout: env.Settings.WorkerTimeout,
			Logger:  log,
		},
		tmp: tmp,
		now: time.Now,
		log: log,
	}, nil
}

func (p *saneago) Name() string { return p.name }
func (p *saneago) Home() string { return p.home }

// Match accepts the worker's archive; the worker applies its own search.
func (p *saneago) Match(c engine.Candidate, q engine.Query) bool { return true }

func (p *saneago) Scan(ctx context.Context, q engine.Query) (engine.Listing, error) {
	resp, err := p.runner.Run(ctx, worker.Request{URL: p.home, OutputDir: p.tmp})
	if err != nil {
		return nil, fmt.Errorf("portal: SANEAGO worker: %w", err)
	}
	p.archive = resp.FilePath
	id, title := saneagoMetadata(filepath.Base(resp.FilePath), p.now())
	p.log.Info("portal: SANEAGO archive received", "tender_id", id, "file", filepath.Base(resp.FilePath))
	c := engine.Candidate{ID: id, Title: title, Ref: resp.FilePath, URL: p.home}
	return &saneagoListing{rows: []engine.Candidate{c}}, nil
}

// Extract unpacks the worker's archive into staging, flattening folders.
func (p *saneago) Extract(ctx context.Context, job *engine.Job) ([]engine.Attachment, error) {
	zr, err := zip.OpenReader(job.Candidate.Ref)
	if err != nil {
		return nil, fmt.Errorf("portal: SANEAGO archive: %w", err)
	}
	defer zr.Close()
	c := collect{log: job.Log}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		name := path.Base(f.Name)
		if !job.Claim(name) {
			continue
		}
		a, err := unpack(job, f, name)
		if cerr := c.add(ctx, name, a, err); cerr != nil {
			return nil, cerr
		}
	}
	return c.result()
}

func unpack(job *engine.Job, f *zip.File, name string) (engine.Attachment, error) {
	rc, err := f.Open()
	if err != nil {
		return engine.Attachment{}, err
	}
	defer rc.Close()
	return job.Write(name, io.LimitReader(rc, maxEntrySize))
}

// Close removes the worker's scratch directory.
func (p *saneago) Close() error {
	if err := os.RemoveAll(p.tmp); err != nil {
		p.log.Warn("portal: SANEAGO cleanup", "error", err)
	}
	return nil
}

// saneagoMetadata derives the tender id and title from an archive named
// Saneago_{n}[_{title}].zip. Unrecognised names get a per-day id.
func saneagoMetadata(file string, now time.Time) (id, title string) {
	id = "SANEAGO_UNKNOWN_" + now.Format("20060102")
	if m := saneagoArchiveID.FindStringSubmatch(file); m != nil && strings.HasPrefix(file, "Saneago_") {
		id = "SANEAGO-" + m[1]
	}
	parts := strings.Split(strings.TrimSuffix(file, filepath.Ext(file)), "_")
	switch {
	case len(parts) > 2:
		title = strings.Join(parts[2:], " ")
	case len(parts) > 1:
		title = strings.Join(parts[1:], " ")
	}
	if len([]rune(strings.TrimSpace(title))) < 5 {
		title = "SANEAGO Procurement Document " + now.Format("2006-01-02")
	}
	return id, title
}

type saneagoListing struct {
	rows []engine.Candidate
}

func (l *saneagoListing) Rows(ctx context.Context) ([]engine.Candidate, error) { return l.rows, nil }
func (l *saneagoListing) Total() int                                           { return len(l.rows) }
func (l *saneagoListing) Next(ctx context.Context) (bool, error)               { return false, nil }
func (l *saneagoListing) Return(ctx context.Context) error                     { return nil }
