package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/licita/docpipe"
	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
)

// base carries what every browser-driven adapter shares: the session, its
// main tab, and the download and fetch helpers.
type base struct {
	name string
	home string
	sess *browser.Session
	tab  *browser.Tab
	log  *slog.Logger
}

func newBase(name, home string, sess *browser.Session, log *slog.Logger) base {
	return base{
		name: name,
		home: home,
		sess: sess,
		tab:  sess.Main(),
		log:  log.With("portal", name),
	}
}

func (b *base) Name() string { return b.name }
func (b *base) Home() string { return b.home }

// Snapshot captures the main tab for diagnostics.
func (b *base) Snapshot(ctx context.Context, path string) error {
	return b.tab.Screenshot(ctx, path)
}

// Close shuts the browser session down.
func (b *base) Close() error {
	b.sess.Close()
	return nil
}

// download runs trigger, waits for the browser download it starts, and
// adopts the file into the job's staging directory. fallback names the
// file when the server suggests none.
func (b *base) download(ctx context.Context, job *engine.Job, timeout time.Duration, fallback string, trigger func() error) (engine.Attachment, error) {
	job.Expect(timeout)
	d, err := b.sess.AwaitDownload(ctx, timeout, trigger)
	if err != nil {
		return engine.Attachment{}, err
	}
	name := d.Name
	if strings.TrimSpace(name) == "" {
		name = fallback
	}
	return job.Adopt(d.Path, name)
}

// get sends req with the browser's identity and checks the status.
func get(ctx context.Context, f *browser.Fetcher, req *http.Request) (*http.Response, error) {
	resp, err := f.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("portal: fetch %s: %w", req.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("portal: fetch %s: status %d", req.URL, resp.StatusCode)
	}
	return resp, nil
}

// fetch sends req and writes the body into staging. The file name comes
// from Content-Disposition, else fallback plus an extension guessed from
// Content-Type.
func fetch(ctx context.Context, job *engine.Job, f *browser.Fetcher, req *http.Request, fallback string) (engine.Attachment, error) {
	resp, err := get(ctx, f, req)
	if err != nil {
		return engine.Attachment{}, err
	}
	defer resp.Body.Close()
	job.Touch()
	name := dispositionFilename(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = fallback
		if !hasExt(name) {
			name += extForContentType(resp.Header.Get("Content-Type"))
		}
	}
	return job.Write(name, resp.Body)
}

// collect gathers attachments, logging and skipping per-document failures.
// Only context errors abort the loop. An empty result after failures is
// reported as the last failure.
type collect struct {
	log   *slog.Logger
	files []engine.Attachment
	last  error
}

func (c *collect) add(ctx context.Context, name string, a engine.Attachment, err error) error {
	switch {
	case err == nil:
		c.files = append(c.files, a)
		c.log.Info("portal: document stored", "name", a.Name, "size", a.Size)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, engine.ErrEmptyFile):
		c.log.Warn("portal: empty document dropped", "name", name)
	default:
		c.log.Error("portal: document failed", "name", name, "error", err)
		c.last = err
	}
	return nil
}

// result converts the gathered files into Extract's return values.
func (c *collect) result() ([]engine.Attachment, error) {
	if len(c.files) > 0 {
		return c.files, nil
	}
	if c.last != nil {
		return nil, c.last
	}
	return nil, engine.ErrNoAttachments
}

// navigateDownload loads u in tab to start a download. Chrome aborts a
// navigation whose response turns into a download; that abort is success.
func navigateDownload(ctx context.Context, tab *browser.Tab, u string) error {
	err := tab.Page.Context(ctx).Navigate(u)
	if err == nil || downloadAborted(err) {
		return nil
	}
	return fmt.Errorf("portal: navigate to %s: %w", u, err)
}

func downloadAborted(err error) bool {
	var nav *rod.NavigationError
	return errors.As(err, &nav) && strings.Contains(nav.Reason, "ERR_ABORTED")
}

// unclaimed keeps the links whose displayed name is new for job, in page
// order. Two links showing the same document name are one document.
func unclaimed(job *engine.Job, links []link) []link {
	var out []link
	for _, l := range links {
		if !job.Claim(l.Name) {
			job.Log.Debug("portal: duplicate document skipped", "name", l.Name, "url", l.URL)
			continue
		}
		out = append(out, l)
	}
	return out
}

// nth returns the index-th element matched by loc on tab.
func nth(ctx context.Context, tab *browser.Tab, timeout time.Duration, index int, loc browser.Locator) (*rod.Element, error) {
	els, _, err := tab.FindAll(ctx, timeout, loc)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(els) {
		return nil, fmt.Errorf("%w: %s[%d] of %d", browser.ErrNotFound, loc.Name, index, len(els))
	}
	return els[index], nil
}

// pause waits d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func containsYear(s string, year int) bool {
	if year <= 0 {
		return true
	}
	return strings.Contains(s, fmt.Sprint(year))
}

// targetYear is the listing year a query filters on.
func targetYear(q engine.Query) int {
	if q.Year > 0 {
		return q.Year
	}
	if !q.RunStart.IsZero() {
		return q.RunStart.Year()
	}
	return time.Now().Year()
}

// perKeyword splits q into one query per keyword, keeping an empty query
// when there are none.
func perKeyword(q engine.Query) []engine.Query {
	if len(q.Keywords) == 0 {
		return []engine.Query{q}
	}
	out := make([]engine.Query, 0, len(q.Keywords))
	for _, kw := range q.Keywords {
		if strings.TrimSpace(kw) == "" {
			continue
		}
		sq := q
		sq.Keywords = []string{strings.TrimSpace(kw)}
		out = append(out, sq)
	}
	if len(out) == 0 {
		return []engine.Query{q}
	}
	return out
}

func firstKeyword(q engine.Query) string {
	if len(q.Keywords) == 0 {
		return ""
	}
	return q.Keywords[0]
}

// printPDF renders html in a scratch tab and prints it into staging.
func (b *base) printPDF(ctx context.Context, job *engine.Job, html, name string) (engine.Attachment, error) {
	tab, err := b.sess.NewTab(ctx)
	if err != nil {
		return engine.Attachment{}, err
	}
	defer tab.Close()
	if err := tab.Render(ctx, html); err != nil {
		return engine.Attachment{}, err
	}
	part := filepath.Join(job.Staging, ".print.pdf.part")
	if err := tab.PrintPDF(ctx, part); err != nil {
		return engine.Attachment{}, err
	}
	if n, err := docpipe.PageCount(part); err != nil || n == 0 {
		os.Remove(part)
		return engine.Attachment{}, fmt.Errorf("portal: printed %s is not a readable PDF (pages=%d): %v", name, n, err)
	}
	return job.Adopt(part, name)
}
