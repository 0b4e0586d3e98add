package browser

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Fetcher performs HTTP requests outside the browser's download manager
// while presenting the browser's cookies, user agent and referer.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	Referer   string
}

// Fetcher snapshots the tab's cookies into a jar-backed client. Portals
// whose downloads never raise a browser download event are read this way.
func (t *Tab) Fetcher(ctx context.Context, timeout time.Duration) (*Fetcher, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("browser: cookie jar: %w", err)
	}
	p := t.Page.Context(ctx)
	cookies, err := p.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("browser: cookies: %w", err)
	}
	referer := t.URL()
	base, err := url.Parse(referer)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("browser: fetcher needs a loaded page, have %q", referer)
	}
	hc := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc = append(hc, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path, Secure: c.Secure, HttpOnly: c.HTTPOnly})
	}
	jar.SetCookies(base, hc)

	ua := ""
	if res, err := p.Eval(`() => navigator.userAgent`); err == nil {
		ua = res.Value.Str()
	}
	return &Fetcher{
		Client:    &http.Client{Jar: jar, Timeout: timeout, Transport: transport(t.session.cfg.VerifyTLS)},
		UserAgent: ua,
		Referer:   referer,
	}, nil
}

// transport mirrors the session's certificate policy, so a page Chrome
// loads is also reachable by direct fetches.
func transport(verify bool) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if !verify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return tr
}

// Do sends req with the browser's identity headers.
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if f.Referer != "" && req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", f.Referer)
	}
	return f.Client.Do(req)
}
