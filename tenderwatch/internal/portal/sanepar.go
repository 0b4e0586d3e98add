package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
	"github.com/hazyhaar/licita/tenderwatch/internal/report"
)

const saneparHome = "https://licitacoes.sanepar.com.br/SLI11000.aspx"

const saneparFetchTimeout = 60 * time.Second

var (
	saneparGrid   = browser.CSS(`#GridView1`)
	saneparDetail = browser.CSS(`#wrdb_anexos, #ItensDoProcesso, #__VIEWSTATE`)
)

var saneparState = []string{"__VIEWSTATE", "__VIEWSTATEGENERATOR", "__EVENTVALIDATION"}

// sanepar drives the Paraná utility's WebForms site. Attachments are
// fetched by replaying the page's download postback.
type sanepar struct {
	base
	md *report.Converter
}

func newSANEPAR(ctx context.Context, env Env) (engine.Portal, error) {
	return &sanepar{
		base: newBase("SANEPAR", env.Home, env.Session, env.Logger),
		md:   report.NewConverter(),
	}, nil
}

// Match requires a keyword as a whole word of the object.
func (p *sanepar) Match(c engine.Candidate, q engine.Query) bool {
	return engine.MatchWords(c.Title, q.Keywords)
}

func (p *sanepar) Scan(ctx context.Context, q engine.Query) (engine.Listing, error) {
	err := p.tab.Navigate(ctx, p.home, browser.WaitPolicy{Stable: time.Second, Ready: []browser.Locator{saneparGrid}})
	if err != nil {
		return nil, err
	}
	return &saneparListing{p: p}, nil
}

func (p *sanepar) Extract(ctx context.Context, job *engine.Job) ([]engine.Attachment, error) {
	t := p.tab
	err := t.Navigate(ctx, job.Candidate.Ref, browser.WaitPolicy{Stable: time.Second, Ready: []browser.Locator{saneparDetail}})
	if err != nil {
		return nil, err
	}
	job.Touch()
	html, err := t.HTML(ctx)
	if err != nil {
		return nil, err
	}
	radios, err := parseSANEPARAttachments(html)
	if err != nil {
		return nil, err
	}

	c := collect{log: job.Log}
	if len(radios) > 0 {
		state, err := parseHiddenFields(html, saneparState...)
		if err != nil {
			return nil, err
		}
		for _, n := range saneparState {
			if _, ok := state[n]; !ok {
				return nil, fmt.Errorf("portal: sanepar detail lacks %s", n)
			}
		}
		f, err := t.Fetcher(ctx, saneparFetchTimeout)
		if err != nil {
			return nil, err
		}
		action := t.URL()
		for _, r := range radios {
			if !job.Claim(r.Label) {
				continue
			}
			req, err := saneparPostback(action, state, r.Value)
			if err != nil {
				return nil, err
			}
			job.Expect(saneparFetchTimeout)
			a, err := fetch(ctx, job, f, req, r.Label)
			if cerr := c.add(ctx, r.Label, a, err); cerr != nil {
				return nil, cerr
			}
		}
	} else {
		job.Log.Info("portal: sanepar detail lists no attachments")
	}

	lots, err := parseSANEPARLots(html)
	if err != nil {
		return nil, err
	}
	if len(lots) > 0 {
		c.files = append(c.files, p.lotReport(ctx, job, lots)...)
	}
	return c.result()
}

// saneparPostback builds the form post that streams one attachment.
func saneparPostback(action string, state map[string]string, value string) (*http.Request, error) {
	form := url.Values{}
	form.Set("__EVENTTARGET", "lbdownload")
	form.Set("__EVENTARGUMENT", "")
	for k, v := range state {
		form.Set(k, v)
	}
	form.Set("wrdb_anexos", value)
	req, err := http.NewRequest(http.MethodPost, action, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("portal: sanepar postback: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// lotTables converts lots into report tables.
func lotTables(lots []Lot) []report.Table {
	var out []report.Table
	for i, l := range lots {
		heading := "LOTE " + l.Number
		if l.Number == "" {
			heading = fmt.Sprintf("Itens %d", i+1)
		}
		t := report.Table{Heading: heading, Columns: []string{"Item", "Descrição", "Qtde", "UN"}}
		for _, it := range l.Items {
			t.Rows = append(t.Rows, []string{it.Item, it.Description, it.Quantity, it.Unit})
		}
		out = append(out, t)
	}
	return out
}

// lotReport prints the lot tables to PDF and adds a markdown copy. Report
// failures are logged; they never fail the candidate.
func (p *sanepar) lotReport(ctx context.Context, job *engine.Job, lots []Lot) []engine.Attachment {
	id := job.Candidate.ID
	html, err := report.HTML("Relatório de Itens por Lote", lotTables(lots))
	if err != nil {
		job.Log.Warn("portal: sanepar lot report", "error", err)
		return nil
	}
	var out []engine.Attachment

	if a, err := p.printPDF(ctx, job, html, "Lotes_"+id+".pdf"); err != nil {
		job.Log.Warn("portal: sanepar lot pdf", "error", err)
	} else {
		out = append(out, a)
	}

	md, err := p.md.Markdown(report.Meta{
		Portal:    p.name,
		TenderID:  id,
		Title:     job.Candidate.Title,
		SourceURL: job.Candidate.URL,
		Kind:      "lots",
	}, html)
	if err != nil {
		job.Log.Warn("portal: sanepar lot markdown", "error", err)
		return out
	}
	if a, err := job.Write("Lotes_"+id+".md", bytes.NewReader(md)); err != nil {
		job.Log.Warn("portal: sanepar lot markdown", "error", err)
	} else {
		out = append(out, a)
	}
	return out
}

type saneparListing struct {
	p *sanepar
}

func (l *saneparListing) Rows(ctx context.Context) ([]engine.Candidate, error) {
	html, err := l.p.tab.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return parseSANEPARRows(html, l.p.home)
}

func (l *saneparListing) Total() int { return -1 }

func (l *saneparListing) Next(ctx context.Context) (bool, error) { return false, nil }

func (l *saneparListing) Return(ctx context.Context) error {
	return l.p.tab.Navigate(ctx, l.p.home, browser.WaitPolicy{Stable: time.Second, Ready: []browser.Locator{saneparGrid}})
}
