package portal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
)

const compesaAcompHome = compesaAvisoHome

const (
	acompFrameWait    = 30 * time.Second
	acompResultsWait  = 15 * time.Second
	acompDownloadWait = 30 * time.Second
)

var (
	acompFrame = []browser.Locator{
		browser.CSS(`iframe[name="mainform"]`),
		browser.CSS("iframe"),
	}
	acompTab    = browser.Text(".HTMLTab", "ACOMPANHAMENTO")
	acompSearch = browser.CSS(`div#TAcomp_filtro_3 input[data-camposql="objeto"]`)
	acompBody   = browser.CSS("#TAcomp_corpo_2")
	acompRowSel = browser.CSS(acompRows)
)

// compesaAcomp drives the follow-up ("acompanhamento") tab of the COMPESA
// portal. The object search runs server-side, once per keyword.
type compesaAcomp struct {
	base
	frame *browser.Tab
}

func newCompesaAcomp(ctx context.Context, env Env) (engine.Portal, error) {
	return &compesaAcomp{base: newBase("COMPESA", env.Home, env.Session, env.Logger)}, nil
}

func (p *compesaAcomp) Split(q engine.Query) []engine.Query { return perKeyword(q) }

// Match keeps rows dated in the target year; the keyword was applied by
// the portal's search.
func (p *compesaAcomp) Match(c engine.Candidate, q engine.Query) bool {
	return containsYear(c.Extra["date"], targetYear(q))
}

func (p *compesaAcomp) Scan(ctx context.Context, q engine.Query) (engine.Listing, error) {
	timeout := p.sess.Config().ActionTimeout
	if err := p.tab.Navigate(ctx, p.home, browser.WaitPolicy{Stable: 2 * time.Second}); err != nil {
		return nil, err
	}
	frame, err := p.tab.Frame(ctx, acompFrameWait, acompFrame...)
	if err != nil {
		return nil, fmt.Errorf("portal: compesa frame: %w", err)
	}
	if err := frame.ClickFirst(ctx, timeout, acompTab); err != nil {
		return nil, fmt.Errorf("portal: compesa follow-up tab: %w", err)
	}
	frame.WaitStable(ctx, 3*time.Second)

	in, err := frame.Find(ctx, timeout, acompSearch)
	if err != nil {
		return nil, fmt.Errorf("portal: compesa search field: %w", err)
	}
	if err := frame.Click(ctx, in); err != nil {
		return nil, err
	}
	if err := frame.Fill(ctx, in, firstKeyword(q)); err != nil {
		return nil, err
	}
	if err := frame.Submit(ctx, in); err != nil {
		return nil, err
	}
	if _, _, err := frame.FindAll(ctx, acompResultsWait, acompBody); err != nil {
		return nil, fmt.Errorf("portal: compesa results: %w", err)
	}
	frame.WaitStable(ctx, 5*time.Second)
	p.frame = frame
	return &acompListing{p: p}, nil
}

func (p *compesaAcomp) Extract(ctx context.Context, job *engine.Job) ([]engine.Attachment, error) {
	if p.frame == nil {
		return nil, fmt.Errorf("portal: compesa extract before scan")
	}
	row, err := nth(ctx, p.frame, p.sess.Config().ActionTimeout, job.Candidate.Index, acompRowSel)
	if err != nil {
		return nil, err
	}
	btn := firstButton(row)
	if btn == nil {
		return nil, fmt.Errorf("portal: compesa row %s has no download button", job.Candidate.ID)
	}
	c := collect{log: job.Log}
	name := job.Candidate.ID + ".pdf"
	a, err := p.download(ctx, job, acompDownloadWait, name, func() error { return p.frame.Click(ctx, btn) })
	if cerr := c.add(ctx, name, a, err); cerr != nil {
		return nil, cerr
	}
	return c.result()
}

type acompListing struct {
	p *compesaAcomp
}

func (l *acompListing) Rows(ctx context.Context) ([]engine.Candidate, error) {
	html, err := l.p.frame.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return parseAcompRows(html, l.p.home)
}

func (l *acompListing) Total() int                             { return -1 }
func (l *acompListing) Next(ctx context.Context) (bool, error) { return false, nil }

// Return is a no-op: downloads start from the row itself.
func (l *acompListing) Return(ctx context.Context) error { return nil }

// firstButton returns the button in the row's first cell, else any button
// in the row.
func firstButton(row *rod.Element) *rod.Element {
	if cells, err := row.Elements(acompCells); err == nil && len(cells) > 0 {
		if btns, err := cells[0].Elements("button"); err == nil && len(btns) > 0 {
			return btns[0]
		}
	}
	if btns, err := row.Elements("button"); err == nil && len(btns) > 0 {
		return btns[0]
	}
	return nil
}
