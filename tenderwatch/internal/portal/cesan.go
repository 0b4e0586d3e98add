package portal

import (
	"context"
	"regexp"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
)

const cesanHome = "https://compras.cesan.com.br/consultarLicitacao.php"

const (
	cesanDownloadWait = 120 * time.Second
	cesanSettle       = 3 * time.Second
)

var (
	cesanTable   = browser.CSS(`table.rTableLicitacao`)
	cesanDocList = browser.Text(`strong`, `Lista de Documentos`)
	cesanBack    = browser.Text(`button.btn.blue`, `Voltar`)
)

// cesan drives the Espírito Santo water utility's purchase listing. The
// whole result set is rendered on one page.
type cesan struct {
	base
}

func newCESAN(ctx context.Context, env Env) (engine.Portal, error) {
	return &cesan{base: newBase("CESAN", env.Home, env.Session, env.Logger)}, nil
}

// Match keeps rows dated in the target year whose text carries a keyword.
func (p *cesan) Match(c engine.Candidate, q engine.Query) bool {
	if !containsYear(c.Extra["date"], targetYear(q)) {
		return false
	}
	return engine.MatchAny(c.Extra["text"], q.Keywords)
}

func (p *cesan) Scan(ctx context.Context, q engine.Query) (engine.Listing, error) {
	if err := p.tab.Navigate(ctx, p.home, browser.WaitPolicy{Stable: time.Second}); err != nil {
		return nil, err
	}
	if _, err := p.tab.Find(ctx, p.sess.Config().NavigationTimeout, cesanTable); err != nil {
		p.log.Info("portal: cesan result table not rendered", "error", err)
	}
	return &cesanListing{p: p}, nil
}

func (p *cesan) Extract(ctx context.Context, job *engine.Job) ([]engine.Attachment, error) {
	t := p.tab
	if err := t.Navigate(ctx, job.Candidate.Ref, browser.WaitPolicy{Stable: time.Second}); err != nil {
		return nil, err
	}
	t.WaitStable(ctx, cesanSettle)
	job.Touch()
	if _, err := t.Find(ctx, 10*time.Second, cesanDocList); err != nil {
		job.Log.Info("portal: cesan detail has no document list")
		return nil, engine.ErrNoAttachments
	}
	html, err := t.HTML(ctx)
	if err != nil {
		return nil, err
	}
	links, err := parseCESANDocs(html, t.URL())
	if err != nil {
		return nil, err
	}

	c := collect{log: job.Log}
	timeout := p.sess.Config().ActionTimeout
	for _, l := range unclaimed(job, links) {
		loc := browser.Attr(`a`, "href", "^"+regexp.QuoteMeta(l.Href)+"$")
		a, err := p.download(ctx, job, cesanDownloadWait, l.Name, func() error {
			el, err := t.Find(ctx, timeout, loc)
			if err == nil {
				// Same-tab download instead of a new window.
				_, _ = el.Eval(`() => this.removeAttribute('target')`)
				if err = t.Click(ctx, el); err == nil {
					return nil
				}
			}
			job.Log.Debug("portal: cesan link click failed, navigating", "url", l.URL, "error", err)
			return navigateDownload(ctx, t, l.URL)
		})
		if cerr := c.add(ctx, l.Name, a, err); cerr != nil {
			return nil, cerr
		}
	}
	return c.result()
}

type cesanListing struct {
	p *cesan
}

func (l *cesanListing) Rows(ctx context.Context) ([]engine.Candidate, error) {
	html, err := l.p.tab.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return parseCESANRows(html, l.p.home)
}

func (l *cesanListing) Total() int { return -1 }

func (l *cesanListing) Next(ctx context.Context) (bool, error) { return false, nil }

// Return uses the detail page's back button, else reloads the listing.
func (l *cesanListing) Return(ctx context.Context) error {
	t := l.p.tab
	if err := t.ClickFirst(ctx, l.p.sess.Config().ActionTimeout, cesanBack); err == nil {
		if _, err := t.Find(ctx, l.p.sess.Config().NavigationTimeout, cesanTable); err == nil {
			return nil
		}
	}
	return t.Navigate(ctx, l.p.home, browser.WaitPolicy{Stable: time.Second, Ready: []browser.Locator{cesanTable}})
}
