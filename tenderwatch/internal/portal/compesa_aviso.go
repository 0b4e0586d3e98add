package portal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/internal/browser"
	"github.com/hazyhaar/licita/tenderwatch/internal/engine"
)

const compesaAvisoHome = "https://portalscl.compesa.com.br:8743/webrunstudio/form.jsp?sys=SCL&action=openform&formID=7&align=0&mode=-1&goto=-1&filter=&scrolling=yes"

const (
	avisoFrameWait    = 30 * time.Second
	avisoPopupWait    = 30 * time.Second
	avisoConsultWait  = 5 * time.Second
	avisoDownloadWait = 5 * time.Minute
	avisoExtraWindow  = 60 * time.Second
	avisoExtraWait    = 5 * time.Second
)

var (
	avisoListFrame  = browser.CSS("iframe")
	avisoItemSel    = browser.CSS(avisoItems)
	avisoPopupFrame = []browser.Locator{
		browser.CSS(`iframe[name="mainform"]`),
		browser.CSS("iframe"),
	}
	avisoLegalPerson = []browser.Locator{
		browser.Text("label", `jur[ií]dica|\bPJ\b`),
		browser.CSS(`input[type="radio"][value="J"]`),
	}
	avisoCNPJ = []browser.Locator{
		browser.Attr("input", "id", "cnpj|cpf"),
		browser.Attr("input", "name", "cnpj|cpf"),
		browser.Attr("input", "placeholder", "cnpj|cpf"),
		browser.CSS(`input[type="text"]`),
	}
	avisoConsult  = browser.Text(`button, a, [role="button"], div.HTMLButton`, `^\s*CONSULTAR\s*$`)
	avisoSave     = browser.Text(`button, a, [role="button"], div.HTMLButton`, `^\s*SALVAR\s*$`)
	avisoDownload = browser.Text(`button, a, [role="button"]`, `DOWNLOAD`)
)

// jsPickLot selects the first option containing one of the keywords, else
// the first option that is not a "Selecione" placeholder. It returns the
// chosen text, or "" when the select has no usable option.
const jsPickLot = `(keywords) => {
	const opts = Array.from(this.options);
	const norm = (s) => s.normalize('NFD').replace(/[\u0300-\u036f]/g, '').toUpperCase();
	let pick = opts.find(o => keywords.some(k => norm(o.text).includes(norm(k))));
	if (!pick) pick = opts.find(o => o.text.trim() !== '' && !norm(o.text).startsWith('SELEC'));
	if (!pick) return '';
	this.value = pick.value;
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return pick.text.trim();
}`

// compesaAviso drives the COMPESA announcements list. Each tender's
// documents are behind a popup form that may require bidder registration.
type compesaAviso struct {
	base
	cnpj  string
	frame *browser.Tab
	query engine.Query
}

func newCompesaAviso(ctx context.Context, env Env) (engine.Portal, error) {
	return &compesaAviso{
		base: newBase("COMPESA", env.Home, env.Session, env.Logger),
		cnpj: strings.TrimSpace(env.Settings.BidderCNPJ),
	}, nil
}

// Match requires a keyword and a clickable detail trigger.
func (p *compesaAviso) Match(c engine.Candidate, q engine.Query) bool {
	return c.Extra["clickable"] == "true" && engine.MatchAny(c.Title, q.Keywords)
}

func (p *compesaAviso) Scan(ctx context.Context, q engine.Query) (engine.Listing, error) {
	if err := p.tab.Navigate(ctx, p.home, browser.WaitPolicy{Stable: 2 * time.Second}); err != nil {
		return nil, err
	}
	frame, err := p.tab.Frame(ctx, avisoFrameWait, avisoListFrame)
	if err != nil {
		return nil, fmt.Errorf("portal: compesa listing frame: %w", err)
	}
	if _, _, err := frame.FindAll(ctx, avisoFrameWait, avisoItemSel); err != nil {
		return nil, fmt.Errorf("portal: compesa listing: %w", err)
	}
	p.frame = frame
	p.query = q
	return &avisoListing{p: p}, nil
}

func (p *compesaAviso) Extract(ctx context.Context, job *engine.Job) ([]engine.Attachment, error) {
	if p.frame == nil {
		return nil, fmt.Errorf("portal: compesa extract before scan")
	}
	id := job.Candidate.ID
	item, err := nth(ctx, p.frame, p.sess.Config().ActionTimeout, job.Candidate.Index, avisoItemSel)
	if err != nil {
		return nil, err
	}
	if txt, err := item.Text(); err != nil || !strings.Contains(squash(txt), id) {
		return nil, fmt.Errorf("portal: compesa item %d no longer shows %s", job.Candidate.Index, id)
	}
	imgs, err := item.Elements("img")
	if err != nil || len(imgs) == 0 {
		return nil, fmt.Errorf("portal: compesa item %s has no trigger", id)
	}

	popup, err := p.tab.AwaitPopup(ctx, avisoPopupWait, func() error { return p.frame.Click(ctx, imgs[0]) })
	if err != nil {
		return nil, err
	}
	defer popup.Close()
	job.Touch()

	form := popup
	if f, err := popup.Frame(ctx, 20*time.Second, avisoPopupFrame...); err == nil {
		form = f
	} else {
		job.Log.Warn("portal: compesa popup has no form frame", "error", err)
	}

	if p.cnpj != "" {
		stop := popup.AcceptDialogs(ctx)
		err := p.register(ctx, job, form)
		stop()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			job.Log.Warn("portal: compesa registration incomplete", "error", err)
		}
	}
	return p.downloads(ctx, job, form)
}

// register fills the bidder form: legal person, lot, CNPJ, lookup, save.
func (p *compesaAviso) register(ctx context.Context, job *engine.Job, form *browser.Tab) error {
	timeout := p.sess.Config().ActionTimeout
	if err := form.ClickFirst(ctx, timeout, avisoLegalPerson...); err != nil {
		job.Log.Debug("portal: compesa legal person option", "error", err)
	}
	if err := p.pickLot(ctx, job, form); err != nil {
		job.Log.Debug("portal: compesa lot", "error", err)
	}
	in, err := form.Find(ctx, timeout, avisoCNPJ...)
	if err != nil {
		return fmt.Errorf("cnpj field: %w", err)
	}
	if err := form.Fill(ctx, in, p.cnpj); err != nil {
		return err
	}
	if err := form.ClickFirst(ctx, timeout, avisoConsult); err != nil {
		return fmt.Errorf("consult: %w", err)
	}
	if err := pause(ctx, avisoConsultWait); err != nil {
		return err
	}
	job.Touch()
	if err := form.ClickFirst(ctx, timeout, avisoSave); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	form.WaitStable(ctx, 2*time.Second)
	job.Touch()
	return nil
}

func (p *compesaAviso) pickLot(ctx context.Context, job *engine.Job, form *browser.Tab) error {
	sels, _, err := form.FindAll(ctx, 5*time.Second, browser.CSS("select"))
	if err != nil {
		return err
	}
	kw := p.query.Keywords
	if kw == nil {
		kw = []string{}
	}
	for _, s := range sels {
		if ok, err := s.Visible(); err != nil || !ok {
			continue
		}
		res, err := s.Context(ctx).Eval(jsPickLot, kw)
		if err != nil {
			continue
		}
		if chosen := res.Value.Str(); chosen != "" {
			job.Log.Info("portal: compesa lot selected", "lot", chosen)
			form.WaitStable(ctx, time.Second)
			return nil
		}
	}
	return fmt.Errorf("%w: lot select", browser.ErrNotFound)
}

// downloads clicks every DOWNLOAD control, then keeps collecting any
// further downloads the form starts on its own.
func (p *compesaAviso) downloads(ctx context.Context, job *engine.Job, form *browser.Tab) ([]engine.Attachment, error) {
	id := job.Candidate.ID
	btns, _, err := form.FindAll(ctx, 20*time.Second, avisoDownload)
	if err != nil {
		return nil, fmt.Errorf("portal: compesa download buttons: %w", err)
	}
	c := collect{log: job.Log}
	n := 0
	for _, b := range btns {
		n++
		txt, _ := b.Text()
		if label := buttonLabel(txt, n); !job.Claim(label) {
			job.Log.Debug("portal: duplicate download control skipped", "label", label)
			continue
		}
		name := id + "_edital_" + strconv.Itoa(n) + ".pdf"
		a, err := p.download(ctx, job, avisoDownloadWait, name, func() error { return form.Click(ctx, b) })
		if cerr := c.add(ctx, name, a, err); cerr != nil {
			return nil, cerr
		}
	}
	if len(c.files) > 0 {
		if err := p.extra(ctx, job, &c, &n); err != nil {
			return nil, err
		}
	}
	return c.result()
}

// buttonLabel is the displayed name of the n-th download control.
func buttonLabel(text string, n int) string {
	if t := squash(text); t != "" {
		return t
	}
	return "DOWNLOAD_" + strconv.Itoa(n)
}

func (p *compesaAviso) extra(ctx context.Context, job *engine.Job, c *collect, n *int) error {
	deadline := time.Now().Add(avisoExtraWindow)
	for time.Now().Before(deadline) {
		*n++
		name := job.Candidate.ID + "_edital_" + strconv.Itoa(*n) + ".pdf"
		a, err := p.download(ctx, job, avisoExtraWait, name, func() error { return nil })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if cerr := c.add(ctx, name, a, nil); cerr != nil {
			return cerr
		}
	}
	return nil
}

type avisoListing struct {
	p *compesaAviso
}

func (l *avisoListing) Rows(ctx context.Context) ([]engine.Candidate, error) {
	html, err := l.p.frame.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return parseAvisoItems(html, l.p.home)
}

func (l *avisoListing) Total() int                             { return -1 }
func (l *avisoListing) Next(ctx context.Context) (bool, error) { return false, nil }

// Return is a no-op: details open in a popup and the list stays put.
func (l *avisoListing) Return(ctx context.Context) error { return nil }
