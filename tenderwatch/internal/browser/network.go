package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ensureRouter starts the browser-wide hijack router once. It serves both
// resource blocking and traffic capture.
func (s *Session) ensureRouter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router != nil || s.browser == nil {
		return
	}
	router := s.browser.HijackRequests()
	router.MustAdd("*", s.intercept)
	go router.Run()
	s.router = router
}

func (s *Session) intercept(h *rod.Hijack) {
	if shouldBlock(s.blockSet, string(h.Request.Type())) {
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		return
	}
	u := h.Request.URL().String()
	s.mu.Lock()
	for c := range s.watchers {
		c.offer(u)
	}
	s.mu.Unlock()
	h.ContinueRequest(&proto.FetchContinueRequest{})
}

func blockSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

func shouldBlock(set map[string]bool, resType string) bool {
	if len(set) == 0 {
		return false
	}
	lower := strings.ToLower(resType)
	switch lower {
	case "image":
		return set["images"]
	case "font":
		return set["fonts"]
	case "media":
		return set["media"]
	case "stylesheet":
		return set["stylesheets"]
	}
	return set[lower]
}

// Capture collects request URLs matching a predicate across every tab of
// the session, including popups opened after the capture started.
type Capture struct {
	match func(string) bool
	s     *Session

	mu   sync.Mutex
	urls []string
	hit  chan struct{}
}

// Watch starts capturing request URLs accepted by match. Call Stop when done.
func (s *Session) Watch(match func(url string) bool) *Capture {
	s.ensureRouter()
	c := &Capture{match: match, s: s, hit: make(chan struct{}, 1)}
	s.mu.Lock()
	s.watchers[c] = struct{}{}
	s.mu.Unlock()
	return c
}

// offer is called with s.mu held.
func (c *Capture) offer(u string) {
	if !c.match(u) {
		return
	}
	c.mu.Lock()
	for _, seen := range c.urls {
		if seen == u {
			c.mu.Unlock()
			return
		}
	}
	c.urls = append(c.urls, u)
	c.mu.Unlock()
	select {
	case c.hit <- struct{}{}:
	default:
	}
}

// URLs returns the matching URLs seen so far, in arrival order.
func (c *Capture) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

// Wait blocks until at least one URL matched or the timeout elapses.
func (c *Capture) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	if urls := c.URLs(); len(urls) > 0 {
		return urls[0], nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.hit:
		return c.URLs()[0], nil
	case <-t.C:
		return "", fmt.Errorf("browser: no matching request within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop detaches the capture from the session.
func (c *Capture) Stop() {
	c.s.mu.Lock()
	delete(c.s.watchers, c)
	c.s.mu.Unlock()
}
