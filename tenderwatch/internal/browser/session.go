// Package browser drives one Chrome instance per run: launch or connect,
// stealth tabs, bounded navigation, multi-strategy element lookup, clicks
// that escalate when a widget ignores the first attempt, download and popup
// capture, and network traffic observation.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Sentinel errors surfaced by the driver primitives.
var (
	ErrNotFound          = errors.New("browser: element not found")
	ErrNavigationTimeout = errors.New("browser: navigation timeout")
	ErrDownloadTimeout   = errors.New("browser: download timeout")
	ErrPopupTimeout      = errors.New("browser: popup timeout")
	ErrClosed            = errors.New("browser: session closed")
)

// StealthLevel controls the browser automation mode.
type StealthLevel int

const (
	LevelHeadless StealthLevel = 1 // headless + stealth evasions
	LevelHeadful  StealthLevel = 2 // headful on an Xvfb display
)

// ParseStealth maps "headless" / "headful" to a level.
func ParseStealth(s string) (StealthLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "headless":
		return LevelHeadless, nil
	case "headful":
		return LevelHeadful, nil
	}
	return 0, fmt.Errorf("browser: unknown stealth level %q", s)
}

func (l StealthLevel) String() string {
	if l == LevelHeadful {
		return "headful"
	}
	return "headless"
}

// Config configures a Session.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local Chrome.
	RemoteURL string

	Stealth StealthLevel

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// DownloadDir is where the browser writes downloads. Required.
	DownloadDir string

	// NavigationTimeout bounds Navigate. Default: 60s.
	NavigationTimeout time.Duration

	// ActionTimeout bounds a single click/fill/select attempt. Default: 10s.
	ActionTimeout time.Duration

	// VerifyTLS enforces certificate checks. When false the browser and
	// every Fetcher accept invalid certificates alike.
	VerifyTLS bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Stealth == 0 {
		c.Stealth = LevelHeadless
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is the single automation context of a run. Cookies and session
// state are shared by every tab it opens.
type Session struct {
	cfg     Config
	log     *slog.Logger
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	main    *Tab

	mu       sync.Mutex
	router   *rod.HijackRouter
	blockSet map[string]bool
	watchers map[*Capture]struct{}
	closed   bool
}

// Open launches Chrome (or connects to a remote instance) and opens the
// main tab. Failure is fatal to the run.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg.defaults()
	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("browser: download dir required")
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("browser: download dir: %w", err)
	}
	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		blockSet: blockSet(cfg.ResourceBlocking),
		watchers: make(map[*Capture]struct{}),
	}
	if err := s.launch(ctx); err != nil {
		s.cleanup()
		return nil, err
	}
	tab, err := s.NewTab(ctx)
	if err != nil {
		s.cleanup()
		return nil, err
	}
	s.main = tab
	return s, nil
}

func (s *Session) launch(ctx context.Context) error {
	if s.cfg.Stealth == LevelHeadful && s.cfg.RemoteURL == "" {
		if err := s.startXvfb(); err != nil {
			return fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	wsURL := s.cfg.RemoteURL
	if wsURL != "" {
		s.log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx)
		if s.cfg.Stealth == LevelHeadful {
			l = l.Headless(false).Env("DISPLAY=" + s.cfg.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled").
			Set("window-size", "1920,1080")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		s.log.Info("browser: launched local chrome", "url", wsURL, "stealth", s.cfg.Stealth.String())
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	s.browser = b
	if !s.cfg.VerifyTLS {
		if err := b.IgnoreCertErrors(true); err != nil {
			s.log.Warn("browser: ignore cert errors failed", "error", err)
		}
	}
	if len(s.blockSet) > 0 {
		s.ensureRouter()
	}
	return nil
}

// Main returns the tab opened with the session.
func (s *Session) Main() *Tab { return s.main }

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// NewTab opens a fresh tab sharing the session's cookies.
func (s *Session) NewTab(ctx context.Context) (*Tab, error) {
	var (
		page *rod.Page
		err  error
	)
	if s.cfg.Stealth == LevelHeadless {
		page, err = stealth.Page(s.browser)
	} else {
		page, err = s.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	return s.wrap(page), nil
}

func (s *Session) wrap(page *rod.Page) *Tab {
	return &Tab{Page: page, session: s, log: s.log}
}

// Download is a file the browser finished writing to the download dir.
type Download struct {
	Path string // on-disk location, named by the browser's download GUID
	Name string // server-suggested file name
	URL  string
	Size int64
}

// AwaitDownload arms a download capture, runs trigger, and waits for the
// download to complete. The capture is armed before trigger runs so a fast
// transfer cannot be missed.
func (s *Session) AwaitDownload(ctx context.Context, timeout time.Duration, trigger func() error) (*Download, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wait := s.browser.Context(wctx).WaitDownload(s.cfg.DownloadDir)
	if err := trigger(); err != nil {
		cancel()
		wait()
		return nil, fmt.Errorf("browser: download trigger: %w", err)
	}
	info := wait()
	if wctx.Err() != nil || info == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrDownloadTimeout, timeout)
	}

	d := &Download{
		Path: filepath.Join(s.cfg.DownloadDir, info.GUID),
		Name: info.SuggestedFilename,
		URL:  info.URL,
	}
	st, err := os.Stat(d.Path)
	if err != nil {
		return nil, fmt.Errorf("browser: download %s: %w", d.Name, err)
	}
	d.Size = st.Size()
	s.log.Debug("browser: download complete", "name", d.Name, "size", d.Size)
	return d, nil
}

// Close shuts down Chrome and Xvfb. Errors are logged, never returned.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cleanup()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) cleanup() {
	s.mu.Lock()
	router := s.router
	s.router = nil
	s.mu.Unlock()
	if router != nil {
		if err := router.Stop(); err != nil {
			s.log.Debug("browser: stop router", "error", err)
		}
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.log.Warn("browser: close", "error", err)
		}
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	s.stopXvfb()
}
