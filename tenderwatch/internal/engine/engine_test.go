package engine

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/tender"
)

type fakeListing struct {
	p         *fakePortal
	page      int
	nextCalls int
}

func (l *fakeListing) Rows(ctx context.Context) ([]Candidate, error) {
	if l.p.rowsErr != nil {
		return nil, l.p.rowsErr
	}
	if len(l.p.pages) == 0 {
		return nil, nil
	}
	return append([]Candidate(nil), l.p.pages[l.page]...), nil
}

func (l *fakeListing) Total() int { return l.p.total }

func (l *fakeListing) Next(ctx context.Context) (bool, error) {
	l.nextCalls++
	l.p.nextCalls++
	if l.page+1 < len(l.p.pages) {
		l.page++
		return true, nil
	}
	return l.p.endless, nil
}

func (l *fakeListing) Return(ctx context.Context) error {
	l.p.returns++
	return l.p.returnErr
}

type fakePortal struct {
	pages     [][]Candidate
	total     int
	endless   bool
	rowsErr   error
	scanErr   error
	returnErr error
	extract   func(ctx context.Context, job *Job) ([]Attachment, error)

	scans     int
	nextCalls int
	returns   int
	closed    bool
	extracted []string
}

func (p *fakePortal) Name() string { return "FAKE" }
func (p *fakePortal) Home() string { return "https://portal.example/list" }

func (p *fakePortal) Scan(ctx context.Context, q Query) (Listing, error) {
	p.scans++
	if p.scanErr != nil {
		return nil, p.scanErr
	}
	return &fakeListing{p: p}, nil
}

func (p *fakePortal) Extract(ctx context.Context, job *Job) ([]Attachment, error) {
	p.extracted = append(p.extracted, job.Candidate.ID)
	if p.extract != nil {
		return p.extract(ctx, job)
	}
	a, err := job.Write("edital.pdf", strings.NewReader("%PDF "+job.Candidate.ID))
	if err != nil {
		return nil, err
	}
	return []Attachment{a}, nil
}

func (p *fakePortal) Close() error { p.closed = true; return nil }

type fakeJournal struct {
	mu       sync.Mutex
	begun    int
	records  []Record
	finished *tender.Outcome
}

func (j *fakeJournal) Begin(ctx context.Context, runID, companyID string, started time.Time) error {
	j.mu.Lock()
	j.begun++
	j.mu.Unlock()
	return nil
}

func (j *fakeJournal) Record(ctx context.Context, runID string, rec Record) error {
	j.mu.Lock()
	j.records = append(j.records, rec)
	j.mu.Unlock()
	return nil
}

func (j *fakeJournal) Finish(ctx context.Context, runID string, o tender.Outcome, finished time.Time) error {
	j.mu.Lock()
	j.finished = &o
	j.mu.Unlock()
	return nil
}

func row(id, title string) Candidate {
	return Candidate{ID: id, Title: title, URL: "https://portal.example/detail?id=" + id}
}

func runWith(t *testing.T, dir string, p *fakePortal, keywords []string, mod ...func(*Config)) tender.Outcome {
	t.Helper()
	cfg := Config{
		CompanyID: "FAKE",
		OutputDir: dir,
		Query:     Query{Keywords: keywords},
	}
	for _, m := range mod {
		m(&cfg)
	}
	open := func(ctx context.Context, env Env) (Portal, error) { return p, nil }
	return NewRunner(cfg, open).Run(context.Background())
}

func ledgerIDs(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "processed_FAKE.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var doc map[string][]string
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("ledger json: %v", err)
	}
	return doc["processed_fake_processos"]
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func seedLedger(t *testing.T, dir string, ids ...string) {
	t.Helper()
	data, _ := json.Marshal(map[string][]string{"processed_fake_processos": ids})
	if err := os.WriteFile(filepath.Join(dir, "processed_FAKE.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRun_FilterAndLedgerLeaveOneCandidate(t *testing.T) {
	// WHAT: 3 rows, 2 matching keywords, 1 of them already ledgered.
	// WHY: Exactly one candidate must be processed and reported.
	dir := t.TempDir()
	seedLedger(t, dir, "2024/00001")
	p := &fakePortal{total: -1, pages: [][]Candidate{{
		row("2024/00001", "Aquisição de tubos PVC"),
		row("2024/00002", "Serviços de limpeza urbana"),
		row("2024/00003", "Fornecimento de TUBOS de ferro"),
	}}}

	o := runWith(t, dir, p, []string{"tubo"})
	if !o.Success {
		t.Fatalf("success = false: %v", o.ErrorMessage)
	}
	if len(o.Tenders) != 1 || o.Tenders[0].TenderID != "2024/00003" {
		t.Fatalf("tenders = %+v", o.Tenders)
	}
	if len(p.extracted) != 1 {
		t.Errorf("extracted = %v", p.extracted)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("outcome invalid: %v", err)
	}
	if !p.closed {
		t.Error("portal not closed")
	}
}

func TestRun_KeywordExclusionNeverReachesLedger(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: 2, pages: [][]Candidate{{
		row("A", "Aquisição de tubos PEAD para rede"),
		row("B", "Serviços de limpeza urbana"),
	}}}
	o := runWith(t, dir, p, []string{"tubo"})
	if len(o.Tenders) != 1 || o.Tenders[0].TenderID != "A" {
		t.Fatalf("tenders = %+v", o.Tenders)
	}
	ids := ledgerIDs(t, dir)
	if !contains(ids, "A") || contains(ids, "B") {
		t.Errorf("ledger = %v", ids)
	}
}

func TestRun_Idempotent(t *testing.T) {
	// WHAT: A second run over an unchanged portal reports nothing new.
	dir := t.TempDir()
	pages := [][]Candidate{{row("1", "tubo"), row("2", "tubo")}}

	first := runWith(t, dir, &fakePortal{total: -1, pages: pages}, nil)
	if len(first.Tenders) != 2 {
		t.Fatalf("first run tenders = %d", len(first.Tenders))
	}
	p := &fakePortal{total: -1, pages: pages}
	second := runWith(t, dir, p, nil)
	if !second.Success || len(second.Tenders) != 0 {
		t.Fatalf("second run = %+v", second)
	}
	if len(p.extracted) != 0 {
		t.Errorf("second run extracted %v", p.extracted)
	}
}

func TestRun_ArchivePathRelativeAndReadable(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("PE 7/2024", "tubos")}}}
	o := runWith(t, dir, p, nil)
	if len(o.Tenders) != 1 || o.Tenders[0].ZipPath == nil {
		t.Fatalf("tenders = %+v", o.Tenders)
	}
	rel := *o.Tenders[0].ZipPath
	if filepath.IsAbs(rel) || rel != filepath.Join("archives", "FAKE_PE_7_2024.zip") {
		t.Errorf("zip path = %q", rel)
	}
	zr, err := zip.OpenReader(filepath.Join(dir, rel))
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "edital.pdf" {
		t.Errorf("entries = %v", zr.File)
	}
	left, _ := os.ReadDir(filepath.Join(dir, "temp"))
	if len(left) != 0 {
		t.Errorf("staging not cleaned: %v", left)
	}
}

func TestRun_DuplicateAttachmentNames(t *testing.T) {
	// WHAT: Three elements named Edital.pdf, Edital.pdf, Anexo.pdf yield two files.
	// WHY: Stale selectors re-match the same document.
	dir := t.TempDir()
	downloads := 0
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("X1", "tubo")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		var out []Attachment
		for _, name := range []string{"Edital.pdf", "Edital.pdf", "Anexo.pdf"} {
			if !job.Claim(name) {
				continue
			}
			downloads++
			a, err := job.Write(name, strings.NewReader("data "+name))
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	}
	o := runWith(t, dir, p, nil)
	if downloads != 2 {
		t.Errorf("downloads = %d, want 2", downloads)
	}
	zr, err := zip.OpenReader(filepath.Join(dir, *o.Tenders[0].ZipPath))
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != 2 {
		t.Errorf("archive has %d entries, want 2", len(zr.File))
	}
}

func TestRun_DeclaredTotalNeverReachedStops(t *testing.T) {
	// WHAT: Total says 10, only 7 rows ever render, pagination keeps
	// claiming more pages.
	// WHY: Broken pagination signals must not loop forever.
	dir := t.TempDir()
	var rows []Candidate
	for i := 0; i < 7; i++ {
		rows = append(rows, row(string(rune('a'+i)), "tubo"))
	}
	p := &fakePortal{total: 10, endless: true, pages: [][]Candidate{rows}}

	done := make(chan tender.Outcome, 1)
	go func() { done <- runWith(t, dir, p, nil) }()
	select {
	case o := <-done:
		if len(o.Tenders) != 7 {
			t.Errorf("tenders = %d, want 7", len(o.Tenders))
		}
		if p.nextCalls > 2 {
			t.Errorf("next called %d times, want <= 2", p.nextCalls)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRun_PaginatesUntilTotal(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: 3, pages: [][]Candidate{
		{row("1", "x"), row("2", "x")},
		{row("3", "x")},
	}}
	o := runWith(t, dir, p, nil)
	if len(o.Tenders) != 3 {
		t.Fatalf("tenders = %d, want 3", len(o.Tenders))
	}
	if p.nextCalls != 1 {
		t.Errorf("next calls = %d, want 1", p.nextCalls)
	}
}

func TestRun_ZeroAttachmentsIncludedWithNullZip(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("E1", "tubo")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		return nil, ErrNoAttachments
	}
	o := runWith(t, dir, p, nil)
	if len(o.Tenders) != 1 || o.Tenders[0].ZipPath != nil {
		t.Fatalf("tenders = %+v", o.Tenders)
	}
	if !contains(ledgerIDs(t, dir), "E1") {
		t.Error("zero-attachment candidate not ledgered")
	}
}

func TestRun_FailedCandidateLedgeredNotEmitted(t *testing.T) {
	// WHAT: A failing candidate is recorded and the run moves on.
	dir := t.TempDir()
	j := &fakeJournal{}
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("bad", "x"), row("good", "x")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		if job.Candidate.ID == "bad" {
			return nil, errors.New("detail view unreachable")
		}
		a, err := job.Write("a.pdf", strings.NewReader("ok"))
		return []Attachment{a}, err
	}
	o := runWith(t, dir, p, nil, func(c *Config) { c.Journal = j })
	if !o.Success || len(o.Tenders) != 1 || o.Tenders[0].TenderID != "good" {
		t.Fatalf("outcome = %+v", o)
	}
	ids := ledgerIDs(t, dir)
	if !contains(ids, "bad") || !contains(ids, "good") {
		t.Errorf("ledger = %v", ids)
	}
	if len(j.records) != 2 || j.records[0].Status != StatusFailed || j.records[1].Status != StatusArchived {
		t.Errorf("journal records = %+v", j.records)
	}
	if j.begun != 1 || j.finished == nil {
		t.Error("journal lifecycle incomplete")
	}
}

func TestRun_PanicRecovered(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("boom", "x"), row("ok", "x")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		if job.Candidate.ID == "boom" {
			panic("nil selector")
		}
		return nil, ErrNoAttachments
	}
	o := runWith(t, dir, p, nil)
	if !o.Success || len(o.Tenders) != 1 || o.Tenders[0].TenderID != "ok" {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestRun_StallAbandonsCandidateAndRescans(t *testing.T) {
	// WHAT: An extraction making no progress is cancelled by the watchdog.
	// WHY: Hung portals must not hang the run.
	dir := t.TempDir()
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("slow", "x"), row("fast", "x")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		if job.Candidate.ID == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, ErrNoAttachments
	}
	o := runWith(t, dir, p, nil, func(c *Config) { c.StallAfter = 50 * time.Millisecond })
	if len(o.Tenders) != 1 || o.Tenders[0].TenderID != "fast" {
		t.Fatalf("tenders = %+v", o.Tenders)
	}
	if p.scans != 2 {
		t.Errorf("scans = %d, want 2 (recovery)", p.scans)
	}
	if !contains(ledgerIDs(t, dir), "slow") {
		t.Error("stalled candidate not ledgered")
	}
}

func TestRun_ExpectExtendsStallBudget(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("big", "x")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		job.Expect(time.Second)
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, ErrNoAttachments
	}
	o := runWith(t, dir, p, nil, func(c *Config) { c.StallAfter = 50 * time.Millisecond })
	if len(o.Tenders) != 1 {
		t.Fatalf("tenders = %+v, error = %v", o.Tenders, o.ErrorMessage)
	}
}

func TestRun_ReturnFailureTriggersRescan(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: -1, returnErr: errors.New("no back button"),
		pages: [][]Candidate{{row("1", "x"), row("2", "x")}}}
	o := runWith(t, dir, p, nil)
	if len(o.Tenders) != 2 {
		t.Fatalf("tenders = %d", len(o.Tenders))
	}
	if p.scans != 3 {
		t.Errorf("scans = %d, want 3", p.scans)
	}
}

func TestRun_LedgerFlushedBeforeNextCandidate(t *testing.T) {
	// WHAT: When candidate 2 starts, candidate 1 is already on disk.
	// WHY: A crash must never lose a completed candidate's ledger entry.
	dir := t.TempDir()
	var onDisk []string
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("first", "x"), row("second", "x")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		if job.Candidate.ID == "second" {
			onDisk = ledgerIDs(t, dir)
		}
		return nil, ErrNoAttachments
	}
	runWith(t, dir, p, nil)
	if !contains(onDisk, "first") {
		t.Errorf("ledger on disk during second candidate = %v", onDisk)
	}
}

func TestRun_CancelledCandidateNotLedgered(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("inflight", "x")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		cancel()
		return nil, ctx.Err()
	}
	open := func(ctx context.Context, env Env) (Portal, error) { return p, nil }
	o := NewRunner(Config{CompanyID: "FAKE", OutputDir: dir}, open).Run(ctx)
	if len(o.Tenders) != 0 {
		t.Errorf("tenders = %+v", o.Tenders)
	}
	if contains(ledgerIDs(t, dir), "inflight") {
		t.Error("cancelled candidate was ledgered")
	}
}

func TestRun_FallbackRowIDs(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: -1, pages: [][]Candidate{{{Title: "sem número"}, {Title: "outro"}}}}
	start := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	o := runWith(t, dir, p, nil, func(c *Config) { c.Now = func() time.Time { return start } })
	if len(o.Tenders) != 2 {
		t.Fatalf("tenders = %+v", o.Tenders)
	}
	if o.Tenders[0].TenderID != "row1_20240305100000" || o.Tenders[1].TenderID != "row2_20240305100000" {
		t.Errorf("ids = %q, %q", o.Tenders[0].TenderID, o.Tenders[1].TenderID)
	}
	if o.Tenders[0].SourceURL != "https://portal.example/list" {
		t.Errorf("source url fallback = %q", o.Tenders[0].SourceURL)
	}
}

func TestRun_MaxRowsCap(t *testing.T) {
	dir := t.TempDir()
	var rows []Candidate
	for i := 0; i < 5; i++ {
		rows = append(rows, row(string(rune('A'+i)), "x"))
	}
	p := &fakePortal{total: -1, pages: [][]Candidate{rows}}
	o := runWith(t, dir, p, nil, func(c *Config) { c.MaxRows = 3 })
	if len(o.Tenders) != 3 {
		t.Errorf("tenders = %d, want 3", len(o.Tenders))
	}
}

func TestRun_OpenFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	open := func(ctx context.Context, env Env) (Portal, error) { return nil, errors.New("chrome missing") }
	o := NewRunner(Config{CompanyID: "FAKE", OutputDir: dir}, open).Run(context.Background())
	if o.Success || o.ErrorMessage == nil || !strings.Contains(*o.ErrorMessage, "chrome missing") {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Tenders == nil {
		t.Error("tenders must be an empty list, not nil")
	}
}

func TestRun_ListingNeverLoadsIsFatal(t *testing.T) {
	dir := t.TempDir()
	p := &fakePortal{total: -1, rowsErr: errors.New("results table never appeared")}
	o := runWith(t, dir, p, nil)
	if o.Success || o.ErrorMessage == nil {
		t.Fatalf("outcome = %+v", o)
	}
	if !p.closed {
		t.Error("portal not closed after fatal scan")
	}
}

func TestRun_ConcurrentRunRejected(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	started := make(chan struct{})
	p := &fakePortal{total: -1, pages: [][]Candidate{{row("1", "x")}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		close(started)
		<-release
		return nil, ErrNoAttachments
	}
	done := make(chan tender.Outcome, 1)
	go func() { done <- runWith(t, dir, p, nil) }()
	<-started

	second := runWith(t, dir, &fakePortal{total: -1}, nil)
	close(release)
	<-done
	if second.Success || second.ErrorMessage == nil || !strings.Contains(*second.ErrorMessage, "locked") {
		t.Errorf("second run = %+v", second)
	}
}

type splittingPortal struct{ *fakePortal }

func (s splittingPortal) Split(q Query) []Query {
	var out []Query
	for _, k := range q.Keywords {
		out = append(out, Query{Keywords: []string{k}, Year: q.Year})
	}
	return out
}

func (s splittingPortal) Match(c Candidate, q Query) bool { return true }

func TestRun_SplitterRunsOneSearchPerKeyword(t *testing.T) {
	dir := t.TempDir()
	fp := &fakePortal{total: -1, pages: [][]Candidate{{row("1", "anything")}}}
	p := splittingPortal{fp}
	open := func(ctx context.Context, env Env) (Portal, error) { return p, nil }
	o := NewRunner(Config{CompanyID: "FAKE", OutputDir: dir, Query: Query{Keywords: []string{"tubo", "bomba"}}}, open).
		Run(context.Background())
	if fp.scans != 2 {
		t.Errorf("scans = %d, want 2", fp.scans)
	}
	if len(o.Tenders) != 1 {
		t.Errorf("tenders = %d, want 1 (second search sees it as done)", len(o.Tenders))
	}
}

func TestRun_DetailSourceURLReplacesListingURL(t *testing.T) {
	// WHAT: A portal that learns the detail address during extraction reports it.
	p := &fakePortal{total: -1, pages: [][]Candidate{{{ID: "P-1", Title: "tubo"}}}}
	p.extract = func(ctx context.Context, job *Job) ([]Attachment, error) {
		job.SetSourceURL("https://portal.example/#/detail/P-1")
		return nil, ErrNoAttachments
	}
	out := runWith(t, t.TempDir(), p, []string{"tubo"})
	if len(out.Tenders) != 1 {
		t.Fatalf("results = %d, want 1", len(out.Tenders))
	}
	if got := out.Tenders[0].SourceURL; got != "https://portal.example/#/detail/P-1" {
		t.Errorf("source_url = %q", got)
	}
}
