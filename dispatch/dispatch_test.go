package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/licita/dispatch/internal/docstore"
	"github.com/hazyhaar/licita/dispatch/internal/workspace"
	"github.com/hazyhaar/licita/tenderwatch"
	"github.com/hazyhaar/licita/tenderwatch/tender"
)

const testToken = "s3cret"

type fakeRunner struct {
	mu   sync.Mutex
	args [][]string
	run  func(ctx context.Context, args []string) ([]byte, error)
}

func (f *fakeRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	f.mu.Lock()
	f.args = append(f.args, args)
	f.mu.Unlock()
	return f.run(ctx, args)
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if f.err != nil {
		return "", f.err
	}
	return "resumo de " + filepath.Base(path), nil
}

type upload struct{ prefix, company, tenderID, path string }

type fakeStore struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (f *fakeStore) Upload(_ context.Context, prefix, companyID, tenderID, localPath string) (docstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload{prefix, companyID, tenderID, localPath})
	if f.err != nil {
		return docstore.Object{}, f.err
	}
	name := docstore.ObjectName(prefix, companyID, tenderID)
	return docstore.Object{Name: name, URL: "https://files.example/" + name}, nil
}

type page struct {
	db  string
	rec workspace.Record
}

type fakeWorkspace struct {
	mu    sync.Mutex
	pages []page
	fail  map[string]bool
}

func (f *fakeWorkspace) CreatePage(_ context.Context, databaseID string, r workspace.Record) (workspace.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[r.TenderID] {
		return workspace.Page{}, errors.New("notion: 400 validation_error")
	}
	f.pages = append(f.pages, page{databaseID, r})
	id := "page-" + r.TenderID
	return workspace.Page{ID: id, URL: "https://notion.example/" + id}, nil
}

type harness struct {
	cfg       *tenderwatch.Config
	runner    *fakeRunner
	analyzer  *fakeAnalyzer
	store     *fakeStore
	workspace *fakeWorkspace
	svc       *Service
	srv       *httptest.Server
}

func outcomeJSON(t *testing.T, o tender.Outcome) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tender.Encode(&buf, o); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func strp(s string) *string { return &s }

func newHarness(t *testing.T, run func(ctx context.Context, args []string) ([]byte, error)) *harness {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := tenderwatch.DefaultConfig()
	cfg.Dispatch.OutputRoot = t.TempDir()
	cfg.Companies["CAGECE"] = tenderwatch.CompanyConfig{
		Keywords:         []string{"tubos", "hidrometro"},
		NotionDatabaseID: "db-cagece",
	}
	cfg.Companies["SANEPAR"] = tenderwatch.CompanyConfig{
		NotionDatabaseID: "db-sanepar",
		StoragePrefix:    "parana/",
	}
	h := &harness{
		cfg:       cfg,
		runner:    &fakeRunner{run: run},
		analyzer:  &fakeAnalyzer{},
		store:     &fakeStore{},
		workspace: &fakeWorkspace{fail: map[string]bool{}},
	}
	h.svc = New(Options{
		Config:    cfg,
		TokenHash: hash,
		Runner:    h.runner,
		Analyzer:  h.analyzer,
		Store:     h.store,
		Workspace: h.workspace,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) },
	})
	h.srv = httptest.NewServer(h.svc.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

// archive creates a zip placeholder in the company's output directory.
func (h *harness) archive(t *testing.T, company, name string) {
	t.Helper()
	dir := filepath.Join(h.cfg.Dispatch.OutputRoot, company)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("PK"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) post(t *testing.T, token, body string) (int, Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/webhook/trigger-handler", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func twoTenders(t *testing.T) func(context.Context, []string) ([]byte, error) {
	return func(context.Context, []string) ([]byte, error) {
		return outcomeJSON(t, tender.Outcome{
			SchemaVersion: tender.SchemaVersion,
			Success:       true,
			CompanyID:     "CAGECE",
			Tenders: []tender.Result{
				{TenderID: "2024/00123", Title: "Aquisição de tubos", ZipPath: strp("CAGECE_2024-00123.zip"), SourceURL: "https://cagece.example/1"},
				{TenderID: "2024/00124", Title: "Serviço sem anexos", SourceURL: "https://cagece.example/2"},
			},
		}), nil
	}
}

// WHAT: A successful run files every tender and uses the company defaults.
// WHY: Keywords and database come from config when the payload omits them.
func TestTrigger_Success(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.run = twoTenders(t)
	h.archive(t, "CAGECE", "CAGECE_2024-00123.zip")

	code, resp := h.post(t, testToken, `{"company_id":"cagece"}`)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("code=%d resp=%+v", code, resp)
	}
	if len(resp.Processed) != 2 || len(resp.Errors) != 0 {
		t.Fatalf("resp = %+v", resp)
	}
	first := resp.Processed[0]
	if first.TenderID != "2024/00123" || first.NotionPageID != "page-2024/00123" ||
		first.FileID != "cagece/CAGECE_2024-00123.zip" || first.FileURL == "" {
		t.Errorf("first = %+v", first)
	}
	if second := resp.Processed[1]; second.FileID != "" || second.NotionPageID == "" {
		t.Errorf("second = %+v", second)
	}
	if !strings.Contains(resp.Message, "2 new tenders handled") {
		t.Errorf("message = %q", resp.Message)
	}

	outDir := filepath.Join(h.cfg.Dispatch.OutputRoot, "CAGECE")
	wantArgs := []string{"run", "--company-id", "CAGECE", "--output-dir", outDir,
		"--notion-db-id", "db-cagece", "--keywords", "tubos", "--keywords", "hidrometro"}
	if !slices.Equal(h.runner.args[0], wantArgs) {
		t.Errorf("args = %q\nwant   %q", h.runner.args[0], wantArgs)
	}
	if len(h.analyzer.paths) != 1 || h.analyzer.paths[0] != filepath.Join(outDir, "CAGECE_2024-00123.zip") {
		t.Errorf("analyzed = %v", h.analyzer.paths)
	}
	if len(h.store.uploads) != 1 || h.store.uploads[0].prefix != "cagece" {
		t.Errorf("uploads = %+v", h.store.uploads)
	}
	if len(h.workspace.pages) != 2 {
		t.Fatalf("pages = %+v", h.workspace.pages)
	}
	rec := h.workspace.pages[0].rec
	if h.workspace.pages[0].db != "db-cagece" || rec.Summary != "resumo de CAGECE_2024-00123.zip" ||
		rec.Status != workspace.StatusReview || rec.CompanyID != "CAGECE" || rec.Link == "" {
		t.Errorf("page = %+v", h.workspace.pages[0])
	}
	if got := h.workspace.pages[1].rec; got.Summary != "" || got.Link != "" {
		t.Errorf("record without archive = %+v", got)
	}
}

// WHAT: Payload keywords and database override config; the storage prefix
// comes from config.
func TestTrigger_PayloadOverrides(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.run = func(context.Context, []string) ([]byte, error) {
		return outcomeJSON(t, tender.Outcome{
			SchemaVersion: tender.SchemaVersion, Success: true, CompanyID: "SANEPAR",
			Tenders: []tender.Result{{TenderID: "LIC-7", Title: "Obra", ZipPath: strp("SANEPAR_LIC-7.zip"), SourceURL: "https://sanepar.example/7"}},
		}), nil
	}
	h.archive(t, "SANEPAR", "SANEPAR_LIC-7.zip")

	code, resp := h.post(t, testToken, `{"company_id":"SANEPAR","notion_database_id":"db-override","keywords":["bomba"]}`)
	if code != http.StatusOK {
		t.Fatalf("code=%d resp=%+v", code, resp)
	}
	args := h.runner.args[0]
	if !slices.Contains(args, "db-override") || !slices.Contains(args, "bomba") {
		t.Errorf("args = %q", args)
	}
	if h.workspace.pages[0].db != "db-override" {
		t.Errorf("db = %q", h.workspace.pages[0].db)
	}
	if h.store.uploads[0].prefix != "parana/" {
		t.Errorf("prefix = %q", h.store.uploads[0].prefix)
	}
}

// WHAT: The trigger requires a valid shared token.
func TestTrigger_Auth(t *testing.T) {
	h := newHarness(t, twoTenders(t))
	for _, token := range []string{"", "wrong"} {
		code, resp := h.post(t, token, `{"company_id":"CAGECE"}`)
		if code != http.StatusUnauthorized || resp.Error != "unauthorized" {
			t.Errorf("token %q: code=%d resp=%+v", token, code, resp)
		}
	}
	if len(h.runner.args) != 0 {
		t.Error("runner called without auth")
	}
}

// WHAT: A server without a token hash refuses every trigger with 500.
func TestTrigger_NoServerToken(t *testing.T) {
	h := newHarness(t, twoTenders(t))
	h.svc.tokenHash = nil
	code, resp := h.post(t, testToken, `{"company_id":"CAGECE"}`)
	if code != http.StatusInternalServerError || !strings.Contains(resp.Error, "not configured") {
		t.Errorf("code=%d resp=%+v", code, resp)
	}
}

// WHAT: Malformed or incomplete requests are rejected before any run.
func TestTrigger_BadRequests(t *testing.T) {
	h := newHarness(t, twoTenders(t))
	delete(h.cfg.Companies, "CAGECE")
	tests := []struct {
		name, body, want string
	}{
		{"bad json", `{"company_id":`, "invalid JSON"},
		{"empty body", ``, "empty request body"},
		{"missing company", `{"keywords":["x"]}`, "company_id"},
		{"unknown company", `{"company_id":"ACME"}`, "configuration not found"},
		{"no database", `{"company_id":"CAGECE"}`, "missing notion_database_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := h.post(t, testToken, tt.body)
			if code != http.StatusBadRequest || !strings.Contains(resp.Error, tt.want) {
				t.Errorf("code=%d resp=%+v", code, resp)
			}
		})
	}
	if len(h.runner.args) != 0 {
		t.Error("runner called for a rejected request")
	}
}

// WHAT: A failed analysis is recorded on the page and in the errors.
// WHY: Per-tender failures never abort the batch.
func TestTrigger_AnalysisError(t *testing.T) {
	h := newHarness(t, twoTenders(t))
	h.archive(t, "CAGECE", "CAGECE_2024-00123.zip")
	h.analyzer.err = errors.New("llm down")

	code, resp := h.post(t, testToken, `{"company_id":"CAGECE"}`)
	if code != http.StatusInternalServerError || resp.Success {
		t.Fatalf("code=%d resp=%+v", code, resp)
	}
	if len(resp.Processed) != 2 || len(resp.Errors) != 1 || !strings.Contains(resp.Errors[0], "llm down") {
		t.Errorf("resp = %+v", resp)
	}
	if got := h.workspace.pages[0].rec.Summary; got != "Error during AI analysis: llm down" {
		t.Errorf("summary = %q", got)
	}
	if !strings.Contains(resp.Message, "processed with 1 errors") {
		t.Errorf("message = %q", resp.Message)
	}
}

// WHAT: Upload and workspace failures are collected per tender.
func TestTrigger_PartialFailures(t *testing.T) {
	h := newHarness(t, twoTenders(t))
	h.archive(t, "CAGECE", "CAGECE_2024-00123.zip")
	h.store.err = errors.New("bucket gone")
	h.workspace.fail["2024/00124"] = true

	_, resp := h.post(t, testToken, `{"company_id":"CAGECE"}`)
	if len(resp.Processed) != 1 || resp.Processed[0].TenderID != "2024/00123" || resp.Processed[0].FileURL != "" {
		t.Errorf("processed = %+v", resp.Processed)
	}
	if len(resp.Errors) != 2 {
		t.Fatalf("errors = %q", resp.Errors)
	}
	if !strings.Contains(resp.Errors[0], "bucket gone") || !strings.Contains(resp.Errors[1], "Notion Error (2024/00124)") {
		t.Errorf("errors = %q", resp.Errors)
	}
}

// WHAT: A result whose archive is missing on disk is reported and skipped.
func TestTrigger_MissingArchive(t *testing.T) {
	h := newHarness(t, twoTenders(t))
	_, resp := h.post(t, testToken, `{"company_id":"CAGECE"}`)
	if len(resp.Processed) != 1 || len(resp.Errors) != 1 || !strings.Contains(resp.Errors[0], "ZIP file missing") {
		t.Errorf("resp = %+v", resp)
	}
	if len(h.analyzer.paths) != 0 {
		t.Error("analyzer called for a missing archive")
	}
}

// WHAT: A non-zero exit still files the tenders of a valid outcome, and the
// run's error message is reported.
func TestTrigger_RunFailedWithOutcome(t *testing.T) {
	h := newHarness(t, func(context.Context, []string) ([]byte, error) {
		o := tender.Failed("CAGECE", "portal unreachable")
		o.Tenders = []tender.Result{{TenderID: "2024/00200", Title: "Parcial", SourceURL: "https://cagece.example/3"}}
		return outcomeJSON(t, o), &ExitError{Code: 1, Stderr: "navigation timeout"}
	})
	code, resp := h.post(t, testToken, `{"company_id":"CAGECE"}`)
	if code != http.StatusInternalServerError {
		t.Errorf("code = %d", code)
	}
	if len(resp.Processed) != 1 || len(resp.Errors) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.Contains(resp.Errors[0], "navigation timeout") || resp.Errors[1] != "portal unreachable" {
		t.Errorf("errors = %q", resp.Errors)
	}
}

// WHAT: Output that is not an outcome document fails the request.
func TestTrigger_GarbageOutput(t *testing.T) {
	h := newHarness(t, func(context.Context, []string) ([]byte, error) {
		return []byte("panic: something\n"), &ExitError{Code: 2}
	})
	code, resp := h.post(t, testToken, `{"company_id":"CAGECE"}`)
	if code != http.StatusInternalServerError || resp.Success {
		t.Fatalf("code=%d resp=%+v", code, resp)
	}
	if len(resp.Errors) != 2 || !strings.Contains(resp.Errors[1], "cannot read run output") {
		t.Errorf("errors = %q", resp.Errors)
	}
}

// WHAT: A second trigger for a company with a run in flight gets 409.
func TestTrigger_Busy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, []string) ([]byte, error) {
		close(started)
		<-release
		return outcomeJSON(t, tender.Outcome{SchemaVersion: tender.SchemaVersion, Success: true, CompanyID: "CAGECE", Tenders: []tender.Result{}}), nil
	})

	done := make(chan int)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/webhook/trigger-handler", strings.NewReader(`{"company_id":"CAGECE"}`))
		req.Header.Set(TokenHeader, testToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	<-started
	code, resp := h.post(t, testToken, `{"company_id":"CAGECE"}`)
	if code != http.StatusConflict || !strings.Contains(resp.Error, "already in progress") {
		t.Errorf("code=%d resp=%+v", code, resp)
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first run code = %d", code)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("status=%d headers=%v", resp.StatusCode, resp.Header)
	}
}
