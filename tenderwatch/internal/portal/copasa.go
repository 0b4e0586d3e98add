package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
	"github.com/hazyhaar/licita/tenderwatch/internal/report"
)

const copasaHome = "https://compras.copasa.com.br/sm9/"

const (
	copasaTableWait   = 45 * time.Second
	copasaTabSettle   = 1500 * time.Millisecond
	copasaCaptureWait = 30 * time.Second
	copasaFetchWait   = 120 * time.Second
)

var (
	copasaTableLoc  = browser.CSS(copasaTable)
	copasaAnexosTab = browser.CSS(`div.sapMITBFilter[id$="__filter2"]`)
	copasaMatTab    = browser.CSS(`div.sapMITBFilter[id*="tabRelMat"]`)
	copasaContentEl = browser.CSS(copasaContent)
)

// copasa drives the Minas Gerais utility's SAP UI5 purchase portal.
type copasa struct {
	base
	md *report.Converter
}

func newCOPASA(ctx context.Context, env Env) (engine.Portal, error) {
	return &copasa{
		base: newBase("COPASA", env.Home, env.Session, env.Logger),
		md:   report.NewConverter(),
	}, nil
}

// Match skips closed processes and requires a keyword in the object.
func (p *copasa) Match(c engine.Candidate, q engine.Query) bool {
	if strings.Contains(c.Extra["stage"], "Encerrado") {
		return false
	}
	return engine.MatchAny(c.Title, q.Keywords)
}

func (p *copasa) Scan(ctx context.Context, q engine.Query) (engine.Listing, error) {
	err := p.tab.Navigate(ctx, p.home, browser.WaitPolicy{Stable: 2 * time.Second, Ready: []browser.Locator{copasaTableLoc}})
	if err != nil {
		return nil, err
	}
	return &copasaListing{p: p}, nil
}

func (p *copasa) Extract(ctx context.Context, job *engine.Job) ([]engine.Attachment, error) {
	t := p.tab
	id := job.Candidate.ID
	open := browser.Text(copasaRows+` td[data-sap-ui-colid*="numeroProcessoId"] a.sapMLnk`, `^\s*`+regexp.QuoteMeta(id)+`\s*$`)
	if err := t.ClickFirst(ctx, p.sess.Config().ActionTimeout, open); err != nil {
		return nil, fmt.Errorf("portal: copasa open %s: %w", id, err)
	}
	if _, err := t.Find(ctx, copasaTableWait, copasaAnexosTab); err != nil {
		return nil, fmt.Errorf("portal: copasa detail: %w", err)
	}
	job.Touch()
	job.SetSourceURL(t.URL())

	f, err := t.Fetcher(ctx, copasaFetchWait)
	if err != nil {
		return nil, err
	}
	c := collect{log: job.Log}
	if err := p.anexos(ctx, job, f, &c); err != nil {
		return nil, err
	}
	if err := p.materials(ctx, job, f, &c); err != nil {
		return nil, err
	}
	return c.result()
}

// selectTab clicks an icon tab bar filter until it reports aria-selected.
func (p *copasa) selectTab(ctx context.Context, loc browser.Locator) error {
	t := p.tab
	el, err := t.Find(ctx, 20*time.Second, loc)
	if err != nil {
		return err
	}
	selected := browser.AttrIs("aria-selected", "true")
	if selected(el) {
		return nil
	}
	return t.ClickUntil(ctx, el, copasaTabSettle, selected)
}

func (p *copasa) anexos(ctx context.Context, job *engine.Job, f *browser.Fetcher, c *collect) error {
	t := p.tab
	if err := p.selectTab(ctx, copasaAnexosTab); err != nil {
		job.Log.Error("portal: copasa anexos tab", "error", err)
		c.last = err
		return nil
	}
	t.WaitStable(ctx, 2*time.Second)
	job.Touch()
	html, err := t.HTML(ctx)
	if err != nil {
		return err
	}
	links, none, err := parseCOPASAAttachments(html, t.URL())
	if err != nil {
		return err
	}
	if none || len(links) == 0 {
		job.Log.Info("portal: copasa anexos empty")
		return nil
	}
	for i, l := range unclaimed(job, links) {
		req, err := http.NewRequest(http.MethodGet, l.URL, nil)
		if err != nil {
			c.add(ctx, l.Name, engine.Attachment{}, err)
			continue
		}
		job.Expect(copasaFetchWait)
		a, err := fetch(ctx, job, f, req, "anexo_"+strconv.Itoa(i+1))
		if cerr := c.add(ctx, l.Name, a, err); cerr != nil {
			return cerr
		}
	}
	return nil
}

// materials opens the "Relação Materiais" tab, captures the PDF the viewer
// requests, and stores it together with a markdown copy of the tab.
func (p *copasa) materials(ctx context.Context, job *engine.Job, f *browser.Fetcher, c *collect) error {
	t := p.tab
	id := job.Candidate.ID
	capture := p.sess.Watch(copasaPDF)
	defer capture.Stop()

	if err := p.selectTab(ctx, copasaMatTab); err != nil {
		job.Log.Error("portal: copasa materials tab", "error", err)
		c.last = err
		return nil
	}
	job.Expect(copasaCaptureWait)
	u, err := capture.Wait(ctx, copasaCaptureWait)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		job.Log.Warn("portal: copasa materials pdf not requested", "error", err)
	default:
		name := "Relacao_Materiais_" + id + ".pdf"
		a, err := p.fetchAs(ctx, job, f, u, name)
		if cerr := c.add(ctx, name, a, err); cerr != nil {
			return cerr
		}
	}

	el, err := t.Find(ctx, 5*time.Second, copasaContentEl)
	if err != nil {
		return nil
	}
	html, err := el.HTML()
	if err != nil {
		return nil
	}
	md, err := p.md.Markdown(report.Meta{
		Portal: p.name, TenderID: id, Title: job.Candidate.Title,
		SourceURL: t.URL(), Kind: "materials",
	}, html)
	if err != nil {
		job.Log.Warn("portal: copasa materials markdown", "error", err)
		return nil
	}
	a, err := job.Write("Relacao_Materiais_"+id+".md", bytes.NewReader(md))
	return c.add(ctx, "materials markdown", a, err)
}

func (p *copasa) fetchAs(ctx context.Context, job *engine.Job, f *browser.Fetcher, u, name string) (engine.Attachment, error) {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return engine.Attachment{}, err
	}
	job.Expect(copasaFetchWait)
	resp, err := get(ctx, f, req)
	if err != nil {
		return engine.Attachment{}, err
	}
	defer resp.Body.Close()
	return job.Write(name, resp.Body)
}

type copasaListing struct {
	p *copasa
}

func (l *copasaListing) Rows(ctx context.Context) ([]engine.Candidate, error) {
	html, err := l.p.tab.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return parseCOPASARows(html, l.p.home)
}

func (l *copasaListing) Total() int { return -1 }

func (l *copasaListing) Next(ctx context.Context) (bool, error) { return false, nil }

// Return steps back in history, reloading the listing when the table does
// not come back.
func (l *copasaListing) Return(ctx context.Context) error {
	t := l.p.tab
	if err := t.Back(ctx); err == nil {
		if _, err := t.Find(ctx, copasaTableWait, copasaTableLoc); err == nil {
			return nil
		}
	}
	return t.Navigate(ctx, l.p.home, browser.WaitPolicy{Stable: 2 * time.Second, Ready: []browser.Locator{copasaTableLoc}})
}
