package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseStealth(t *testing.T) {
	for in, want := range map[string]StealthLevel{"": LevelHeadless, "headless": LevelHeadless, " Headful ": LevelHeadful} {
		got, err := ParseStealth(in)
		if err != nil || got != want {
			t.Errorf("ParseStealth(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseStealth("http"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestShouldBlock(t *testing.T) {
	set := blockSet([]string{"Images", " fonts", "XHR"})
	tests := []struct {
		resType string
		want    bool
	}{
		{"Image", true},
		{"Font", true},
		{"Stylesheet", false},
		{"XHR", true},
		{"Document", false},
	}
	for _, tt := range tests {
		if got := shouldBlock(set, tt.resType); got != tt.want {
			t.Errorf("shouldBlock(%q) = %v, want %v", tt.resType, got, tt.want)
		}
	}
	if shouldBlock(nil, "Image") {
		t.Error("empty set must not block")
	}
}

func newCapture(match func(string) bool) *Capture {
	return &Capture{match: match, hit: make(chan struct{}, 1)}
}

func TestCapture_CollectsMatchingURLsOnce(t *testing.T) {
	// WHAT: Only matching URLs are kept, deduplicated, in arrival order.
	// WHY: Viewers request the same document URL several times.
	c := newCapture(func(u string) bool { return strings.HasSuffix(u, ".pdf") })
	for _, u := range []string{"https://x/a.js", "https://x/doc.pdf", "https://x/doc.pdf", "https://x/b.pdf"} {
		c.offer(u)
	}
	got := c.URLs()
	if len(got) != 2 || got[0] != "https://x/doc.pdf" || got[1] != "https://x/b.pdf" {
		t.Errorf("URLs = %v", got)
	}
	u, err := c.Wait(context.Background(), time.Millisecond)
	if err != nil || u != "https://x/doc.pdf" {
		t.Errorf("Wait = %q, %v", u, err)
	}
}

func TestCapture_WaitTimesOut(t *testing.T) {
	c := newCapture(func(string) bool { return true })
	if _, err := c.Wait(context.Background(), 20*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}
}

func TestCapture_WaitWakesOnLateMatch(t *testing.T) {
	c := newCapture(func(u string) bool { return strings.Contains(u, "$value") })
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.offer("https://sap/opu/odata/Files('1')/$value")
	}()
	u, err := c.Wait(context.Background(), 2*time.Second)
	if err != nil || !strings.Contains(u, "$value") {
		t.Fatalf("Wait = %q, %v", u, err)
	}
}

func TestFetcher_SendsBrowserIdentity(t *testing.T) {
	var gotUA, gotRef string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA, gotRef = r.Header.Get("User-Agent"), r.Header.Get("Referer")
	}))
	defer srv.Close()

	f := &Fetcher{Client: srv.Client(), UserAgent: "Mozilla/5.0 test", Referer: "https://portal/list"}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := f.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotUA != "Mozilla/5.0 test" || gotRef != "https://portal/list" {
		t.Errorf("ua=%q referer=%q", gotUA, gotRef)
	}
}

func TestLocatorNames(t *testing.T) {
	got := names([]Locator{CSS("#a"), XPath("//b"), Text("button", "Visualizar")})
	want := "css:#a | xpath://b | text:button~Visualizar"
	if got != want {
		t.Errorf("names = %q, want %q", got, want)
	}
}

func TestFetcherTransport_FollowsCertPolicy(t *testing.T) {
	// WHAT: with verification off, a self-signed portal is fetched like
	// Chrome loads it; with it on, the handshake fails.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("edital"))
	}))
	defer srv.Close()

	get := func(verify bool) error {
		f := &Fetcher{Client: &http.Client{Transport: transport(verify), Timeout: 5 * time.Second}}
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		resp, err := f.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
	if err := get(false); err != nil {
		t.Fatalf("insecure fetch: %v", err)
	}
	if err := get(true); err == nil {
		t.Fatal("verified fetch accepted a self-signed certificate")
	}
}
