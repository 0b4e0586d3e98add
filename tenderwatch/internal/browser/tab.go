package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

const pollInterval = 250 * time.Millisecond

// Tab wraps a page or an iframe's document.
type Tab struct {
	Page    *rod.Page
	session *Session
	log     *slog.Logger
}

// Session returns the owning session.
func (t *Tab) Session() *Session { return t.session }

// WaitPolicy selects the readiness condition after navigation.
type WaitPolicy struct {
	// Stable waits for the DOM to stop changing for this long.
	Stable time.Duration
	// Ready, when set, must locate a visible element before Navigate returns.
	Ready []Locator
}

// Navigate loads url and waits for the load event plus policy. Timeouts
// surface as ErrNavigationTimeout.
func (t *Tab) Navigate(ctx context.Context, url string, policy WaitPolicy) error {
	timeout := t.session.cfg.NavigationTimeout
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := t.Page.Context(nctx)
	if err := p.Navigate(url); err != nil {
		return t.navErr(ctx, nctx, url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return t.navErr(ctx, nctx, url, err)
	}
	if policy.Stable > 0 {
		if err := p.WaitStable(policy.Stable); err != nil {
			t.log.Debug("browser: wait stable", "url", url, "error", err)
		}
	}
	if len(policy.Ready) > 0 {
		if _, err := t.Find(nctx, timeout, policy.Ready...); err != nil {
			return t.navErr(ctx, nctx, url, err)
		}
	}
	return nil
}

func (t *Tab) navErr(parent, nctx context.Context, url string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if nctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
	}
	return fmt.Errorf("browser: navigate %s: %w", url, err)
}

// Find tries each locator in order, polling until timeout, and returns the
// first element that is both present and visible. The winning strategy is
// logged at debug level.
func (t *Tab) Find(ctx context.Context, timeout time.Duration, locs ...Locator) (*rod.Element, error) {
	els, name, err := t.find(ctx, timeout, true, locs)
	if err != nil {
		return nil, err
	}
	t.log.Debug("browser: located", "strategy", name)
	return els[0], nil
}

// FindAll returns every element of the first locator that yields at least
// one element. Visibility is not required.
func (t *Tab) FindAll(ctx context.Context, timeout time.Duration, locs ...Locator) (rod.Elements, string, error) {
	return t.find(ctx, timeout, false, locs)
}

func (t *Tab) find(ctx context.Context, timeout time.Duration, visible bool, locs []Locator) (rod.Elements, string, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, loc := range locs {
			els, err := loc.Query(t.Page.Context(ctx))
			if err != nil || len(els) == 0 {
				continue
			}
			if !visible {
				return els, loc.Name, nil
			}
			for _, el := range els {
				if ok, err := el.Visible(); err == nil && ok {
					return rod.Elements{el}, loc.Name, nil
				}
			}
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, names(locs))
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func names(locs []Locator) string {
	out := ""
	for i, l := range locs {
		if i > 0 {
			out += " | "
		}
		out += l.Name
	}
	return out
}

// Has reports whether any locator currently matches, without waiting.
func (t *Tab) Has(ctx context.Context, locs ...Locator) bool {
	for _, loc := range locs {
		if els, err := loc.Query(t.Page.Context(ctx)); err == nil && len(els) > 0 {
			return true
		}
	}
	return false
}

const (
	jsDispatchClick = `() => this.dispatchEvent(new MouseEvent('click', {bubbles: true, cancelable: true, view: window}))`
	jsScriptClick   = `() => this.click()`
)

type clickStrategy struct {
	name string
	do   func(e *rod.Element) error
}

var clickStrategies = []clickStrategy{
	{"mouse", func(e *rod.Element) error {
		if err := e.ScrollIntoView(); err != nil {
			return err
		}
		return e.Click(proto.InputMouseButtonLeft, 1)
	}},
	{"dispatch", func(e *rod.Element) error { _, err := e.Eval(jsDispatchClick); return err }},
	{"script", func(e *rod.Element) error { _, err := e.Eval(jsScriptClick); return err }},
}

// Click clicks el, escalating from a real mouse click to a dispatched click
// event and then a script-level click when the widget ignores an attempt.
func (t *Tab) Click(ctx context.Context, el *rod.Element) error {
	return t.ClickUntil(ctx, el, 0, nil)
}

// ClickUntil clicks el with escalating strategies until done reports
// success. done is checked settle after each attempt; a nil done accepts
// the first click that does not error.
func (t *Tab) ClickUntil(ctx context.Context, el *rod.Element, settle time.Duration, done func(*rod.Element) bool) error {
	timeout := t.session.cfg.ActionTimeout
	var errs []error
	for _, a := range clickStrategies {
		e := el.Context(ctx).Timeout(timeout)
		err := a.do(e)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.name, err))
			continue
		}
		if done != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(settle):
			}
			if !done(el.Context(ctx)) {
				errs = append(errs, fmt.Errorf("%s: no effect", a.name))
				continue
			}
		}
		if a.name != "mouse" {
			t.log.Debug("browser: click escalated", "strategy", a.name)
		}
		return nil
	}
	return fmt.Errorf("browser: click: %w", errors.Join(errs...))
}

// AttrIs returns a ClickUntil check comparing an attribute to want.
func AttrIs(name, want string) func(*rod.Element) bool {
	return func(e *rod.Element) bool {
		v, err := e.Attribute(name)
		return err == nil && v != nil && *v == want
	}
}

// ClickFirst locates an element with the given strategies and clicks it.
func (t *Tab) ClickFirst(ctx context.Context, timeout time.Duration, locs ...Locator) error {
	el, err := t.Find(ctx, timeout, locs...)
	if err != nil {
		return err
	}
	return t.Click(ctx, el)
}

const jsSetValue = `(v) => {
	this.value = v;
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
}`

// Fill replaces the content of an input, falling back to setting the value
// by script when typing is rejected.
func (t *Tab) Fill(ctx context.Context, el *rod.Element, text string) error {
	e := el.Context(ctx).Timeout(t.session.cfg.ActionTimeout)
	err := e.SelectAllText()
	if err == nil {
		err = e.Input(text)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.log.Debug("browser: fill escalated", "error", err)
	if _, err2 := e.Eval(jsSetValue, text); err2 != nil {
		return fmt.Errorf("browser: fill: %w", errors.Join(err, err2))
	}
	return nil
}

// Submit presses Enter on el.
func (t *Tab) Submit(ctx context.Context, el *rod.Element) error {
	if err := el.Context(ctx).Timeout(t.session.cfg.ActionTimeout).Type(input.Enter); err != nil {
		return fmt.Errorf("browser: submit: %w", err)
	}
	return nil
}

const jsSelectByText = `(label) => {
	const want = label.trim().toLowerCase();
	for (const o of this.options) {
		if (o.text.trim().toLowerCase().includes(want)) {
			this.value = o.value;
			this.dispatchEvent(new Event('change', {bubbles: true}));
			return true;
		}
	}
	return false;
}`

// Select picks the option of a <select> whose text matches label, falling
// back to a script assignment that fires the change event.
func (t *Tab) Select(ctx context.Context, el *rod.Element, label string) error {
	e := el.Context(ctx).Timeout(t.session.cfg.ActionTimeout)
	err := e.Select([]string{label}, true, rod.SelectorTypeText)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	res, err2 := e.Eval(jsSelectByText, label)
	if err2 == nil && res.Value.Bool() {
		t.log.Debug("browser: select escalated", "label", label)
		return nil
	}
	return fmt.Errorf("browser: select %q: %w", label, errors.Join(err, err2))
}

// WaitStable waits for the DOM to settle, typically after an AJAX partial
// update. Errors are not fatal.
func (t *Tab) WaitStable(ctx context.Context, d time.Duration) {
	sctx, cancel := context.WithTimeout(ctx, d+t.session.cfg.ActionTimeout)
	defer cancel()
	if err := t.Page.Context(sctx).WaitStable(d); err != nil {
		t.log.Debug("browser: wait stable", "error", err)
	}
}

// AwaitPopup arms a new-page subscription, runs trigger, and returns the
// popup once it has loaded.
func (t *Tab) AwaitPopup(ctx context.Context, timeout time.Duration, trigger func() error) (*Tab, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wait := t.Page.Context(pctx).WaitOpen()
	if err := trigger(); err != nil {
		return nil, fmt.Errorf("browser: popup trigger: %w", err)
	}
	page, err := wait()
	if err != nil {
		if pctx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrPopupTimeout, timeout)
		}
		return nil, fmt.Errorf("browser: popup: %w", err)
	}
	if err := page.Context(pctx).WaitLoad(); err != nil {
		t.log.Warn("browser: popup wait load", "error", err)
	}
	popup := t.session.wrap(page.Context(context.Background()))
	return popup, nil
}

// AcceptDialogs accepts every JavaScript dialog the tab raises until stop
// is called.
func (t *Tab) AcceptDialogs(ctx context.Context) (stop func()) {
	dctx, cancel := context.WithCancel(ctx)
	wait := t.Page.Context(dctx).EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		t.log.Debug("browser: accepting dialog", "type", e.Type, "message", e.Message)
		if err := (proto.PageHandleJavaScriptDialog{Accept: true}).Call(t.Page); err != nil {
			t.log.Warn("browser: accept dialog", "error", err)
		}
	})
	go wait()
	return cancel
}

// Frame returns the document of the iframe matched by locs.
func (t *Tab) Frame(ctx context.Context, timeout time.Duration, locs ...Locator) (*Tab, error) {
	el, err := t.Find(ctx, timeout, locs...)
	if err != nil {
		return nil, err
	}
	fp, err := el.Frame()
	if err != nil {
		return nil, fmt.Errorf("browser: frame: %w", err)
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fp.Context(fctx).WaitLoad(); err != nil {
		t.log.Debug("browser: frame wait load", "error", err)
	}
	return &Tab{Page: fp, session: t.session, log: t.log}, nil
}

// Back navigates the tab's history one step.
func (t *Tab) Back(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, t.session.cfg.NavigationTimeout)
	defer cancel()
	p := t.Page.Context(bctx)
	if err := p.NavigateBack(); err != nil {
		return fmt.Errorf("browser: back: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("browser: back: %w", err)
	}
	return nil
}

// URL returns the tab's current location.
func (t *Tab) URL() string {
	info, err := t.Page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// HTML returns the document's serialized DOM, the input of the pure
// parsers in the portal package.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	html, err := t.Page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: html: %w", err)
	}
	return html, nil
}

// Screenshot writes a full-page PNG to path.
func (t *Tab) Screenshot(ctx context.Context, path string) error {
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	img, err := t.Page.Context(sctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return fmt.Errorf("browser: screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("browser: screenshot: %w", err)
	}
	return os.WriteFile(path, img, 0o644)
}

// PrintPDF renders the tab to a PDF file at path.
func (t *Tab) PrintPDF(ctx context.Context, path string) error {
	r, err := t.Page.Context(ctx).PDF(&proto.PagePrintToPDF{PrintBackground: true})
	if err != nil {
		return fmt.Errorf("browser: pdf: %w", err)
	}
	defer r.Close()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("browser: pdf: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("browser: pdf: %w", err)
	}
	return f.Close()
}

// Render replaces the tab's document with html, used to print captured
// fragments.
func (t *Tab) Render(ctx context.Context, html string) error {
	if err := t.Page.Context(ctx).SetDocumentContent(html); err != nil {
		return fmt.Errorf("browser: render: %w", err)
	}
	return nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page == nil {
		return nil
	}
	return t.Page.Close()
}
