// Package dispatch is the front door of the tender pipeline: an
// authenticated trigger runs the scraper for one company, then every new
// tender is summarized, its archive stored, and a workspace page filed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/licita/dispatch/internal/docstore"
	"github.com/hazyhaar/licita/dispatch/internal/workspace"
	"github.com/hazyhaar/licita/kit"
	"github.com/hazyhaar/licita/tenderwatch"
	"github.com/hazyhaar/licita/tenderwatch/tender"
)

// Analyzer summarizes a tender archive.
type Analyzer interface {
	Analyze(ctx context.Context, archivePath string) (string, error)
}

// Store keeps tender archives and returns a shareable link.
type Store interface {
	Upload(ctx context.Context, prefix, companyID, tenderID, localPath string) (docstore.Object, error)
}

// Workspace files tender records.
type Workspace interface {
	CreatePage(ctx context.Context, databaseID string, r workspace.Record) (workspace.Page, error)
}

// Options configures a Service. Analyzer, Store and Workspace may be nil:
// a missing analyzer leaves summaries empty, a missing store or workspace
// is reported as a per-tender error.
type Options struct {
	Config    *tenderwatch.Config
	TokenHash []byte
	Runner    Runner
	Analyzer  Analyzer
	Store     Store
	Workspace Workspace
	Logger    *slog.Logger
	Now       func() time.Time
}

// Trigger is the body of a trigger request.
type Trigger struct {
	CompanyID        string   `json:"company_id"`
	NotionDatabaseID string   `json:"notion_database_id,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
}

// Processed describes one tender filed in the workspace.
type Processed struct {
	TenderID      string `json:"tender_id"`
	NotionPageID  string `json:"notion_page_id"`
	NotionPageURL string `json:"notion_page_url"`
	FileID        string `json:"file_id,omitempty"`
	FileURL       string `json:"file_url,omitempty"`
}

// Response is the result of a trigger.
type Response struct {
	Success   bool        `json:"success"`
	Processed []Processed `json:"processed_tenders"`
	Errors    []string    `json:"errors"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// statusError is a request that is refused before any run starts.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

func refuse(code int, format string, args ...any) error {
	return &statusError{code: code, msg: fmt.Sprintf(format, args...)}
}

// Service handles triggers.
type Service struct {
	cfg       *tenderwatch.Config
	tokenHash []byte
	runner    Runner
	analyzer  Analyzer
	store     Store
	workspace Workspace
	logger    *slog.Logger
	now       func() time.Time
	trigger   kit.Endpoint

	busy sync.Map // company id -> struct{}
}

// New creates a Service.
func New(opts Options) *Service {
	s := &Service{
		cfg:       opts.Config,
		tokenHash: opts.TokenHash,
		runner:    opts.Runner,
		analyzer:  opts.Analyzer,
		store:     opts.Store,
		workspace: opts.Workspace,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.cfg == nil {
		s.cfg = tenderwatch.DefaultConfig()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.runner == nil {
		s.runner = &ExecRunner{Command: s.cfg.Dispatch.Command, Logger: s.logger}
	}
	s.trigger = kit.Logging(s.logger, "dispatch.trigger")(func(ctx context.Context, req any) (any, error) {
		return s.Trigger(ctx, *req.(*Trigger))
	})
	return s
}

func known(companyID string) bool {
	for _, p := range tenderwatch.Portals() {
		if p.CompanyID == companyID {
			return true
		}
	}
	return false
}

// Trigger runs the scraper for t.CompanyID and files its new tenders.
// Requests refused up front return a *statusError; everything after the run
// starts is reported in the Response.
func (s *Service) Trigger(ctx context.Context, t Trigger) (*Response, error) {
	company := strings.ToUpper(strings.TrimSpace(t.CompanyID))
	if company == "" {
		return nil, refuse(http.StatusBadRequest, "missing required parameter: company_id")
	}
	if !known(company) {
		return nil, refuse(http.StatusBadRequest, "configuration not found for company_id: %s", t.CompanyID)
	}
	cc := s.cfg.Company(company)
	notionDB := t.NotionDatabaseID
	if notionDB == "" {
		notionDB = cc.NotionDatabaseID
	}
	if notionDB == "" {
		return nil, refuse(http.StatusBadRequest, "missing notion_database_id for company %s", company)
	}
	keywords := t.Keywords
	if len(keywords) == 0 {
		keywords = cc.Keywords
	}
	if _, running := s.busy.LoadOrStore(company, struct{}{}); running {
		return nil, refuse(http.StatusConflict, "a run for %s is already in progress", company)
	}
	defer s.busy.Delete(company)

	outputDir, err := filepath.Abs(filepath.Join(s.cfg.Dispatch.OutputRoot, company))
	if err != nil {
		return nil, refuse(http.StatusInternalServerError, "output directory: %v", err)
	}
	ctx = kit.WithCompanyID(ctx, company)
	logger := s.logger.With("company_id", company, "request_id", kit.GetRequestID(ctx))
	logger.Info("dispatch: trigger accepted", "notion_database_id", notionDB, "keywords", len(keywords), "output_dir", outputDir)

	resp := &Response{Processed: []Processed{}, Errors: []string{}}
	fail := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		logger.Warn("dispatch: " + msg)
		resp.Errors = append(resp.Errors, msg)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Dispatch.RunTimeout)
	stdout, runErr := s.runner.Run(runCtx, runArgs(company, outputDir, notionDB, keywords))
	cancel()
	if runErr != nil {
		fail("tenderwatch run for %s failed: %v", company, runErr)
	}

	outcome, err := tender.Decode(stdout)
	if err != nil {
		fail("cannot read run output for %s: %v", company, err)
		resp.Message = fmt.Sprintf("Request for company %s failed before any tender was handled.", company)
		return resp, nil
	}
	if !outcome.Success && outcome.ErrorMessage != nil {
		fail("%s", *outcome.ErrorMessage)
	}

	prefix := cc.StoragePrefix
	if prefix == "" {
		prefix = strings.ToLower(company)
	}
	for _, r := range outcome.Tenders {
		if ctx.Err() != nil {
			fail("request cancelled before tender %s", r.TenderID)
			break
		}
		if p, ok := s.file(ctx, logger, company, notionDB, prefix, outputDir, r, fail); ok {
			resp.Processed = append(resp.Processed, p)
		}
	}

	resp.Success = len(resp.Errors) == 0
	if resp.Success {
		resp.Message = fmt.Sprintf("Successfully processed request for company %s. %d new tenders handled.", company, len(resp.Processed))
	} else {
		resp.Message = fmt.Sprintf("Request for company %s processed with %d errors. %d tenders handled.", company, len(resp.Errors), len(resp.Processed))
	}
	logger.Info("dispatch: trigger done", "processed", len(resp.Processed), "errors", len(resp.Errors))
	return resp, nil
}

// file summarizes, stores and records one tender. Only a workspace failure
// drops the tender from the processed list.
func (s *Service) file(ctx context.Context, logger *slog.Logger, company, notionDB, prefix, outputDir string, r tender.Result, fail func(string, ...any)) (Processed, bool) {
	rec := workspace.Record{
		TenderID:   r.TenderID,
		Title:      r.Title,
		SourceURL:  r.SourceURL,
		Status:     workspace.StatusReview,
		CompanyID:  company,
		Discovered: s.now(),
	}
	p := Processed{TenderID: r.TenderID}

	archive, hasArchive := tender.Resolve(outputDir, r)
	if hasArchive {
		if _, err := os.Stat(archive); err != nil {
			fail("ZIP file missing for tender %s: %s", r.TenderID, archive)
			return Processed{}, false
		}
		if s.analyzer != nil {
			summary, err := s.analyzer.Analyze(ctx, archive)
			if err != nil {
				fail("Analysis Error (%s): %v", r.TenderID, err)
				summary = "Error during AI analysis: " + err.Error()
			}
			rec.Summary = summary
		} else {
			logger.Warn("dispatch: no analyzer configured", "tender_id", r.TenderID)
		}
		if s.store == nil {
			fail("document store not configured, upload skipped for %s", r.TenderID)
		} else if obj, err := s.store.Upload(ctx, prefix, company, r.TenderID, archive); err != nil {
			fail("Upload Error (%s): %v", r.TenderID, err)
		} else {
			rec.Link, p.FileID, p.FileURL = obj.URL, obj.Name, obj.URL
		}
	} else {
		logger.Info("dispatch: tender has no attachments", "tender_id", r.TenderID)
	}

	if s.workspace == nil {
		fail("workspace not configured, page skipped for %s", r.TenderID)
		return Processed{}, false
	}
	page, err := s.workspace.CreatePage(ctx, notionDB, rec)
	if err != nil {
		fail("Notion Error (%s): %v", r.TenderID, err)
		return Processed{}, false
	}
	p.NotionPageID, p.NotionPageURL = page.ID, page.URL
	return p, true
}

// errStatus returns the HTTP status of a Trigger error.
func errStatus(err error) (int, string) {
	var se *statusError
	if errors.As(err, &se) {
		return se.code, se.msg
	}
	return http.StatusInternalServerError, err.Error()
}
