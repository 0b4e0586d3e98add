package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/licita/horosafe"
)

// Job is the extraction context handed to Portal.Extract for one candidate.
type Job struct {
	Candidate Candidate
	// Staging is the candidate's private directory; Adopt and Write place
	// files here. It is removed once the candidate is packaged.
	Staging string
	Log     *slog.Logger

	wd *watchdog

	mu      sync.Mutex
	claimed map[string]struct{}
	names   map[string]struct{}
	source  string
}

// NewJob creates a Job outside a Runner, without a stall watchdog. The
// Runner builds its own jobs; this serves adapters driven directly.
func NewJob(c Candidate, staging string, log *slog.Logger) *Job {
	if log == nil {
		log = slog.Default()
	}
	return newJob(c, staging, log, nil)
}

func newJob(c Candidate, staging string, log *slog.Logger, wd *watchdog) *Job {
	return &Job{
		Candidate: c,
		Staging:   staging,
		Log:       log,
		wd:        wd,
		claimed:   make(map[string]struct{}),
		names:     make(map[string]struct{}),
	}
}

// Touch records progress, resetting the stall timer.
func (j *Job) Touch() {
	if j.wd != nil {
		j.wd.touch(0)
	}
}

// Expect records progress and allows the next step d on top of the stall
// threshold. Used before long downloads.
func (j *Job) Expect(d time.Duration) {
	if j.wd != nil {
		j.wd.touch(d)
	}
}

// SetSourceURL replaces the candidate's source URL once the detail view
// reveals its canonical address.
func (j *Job) SetSourceURL(u string) {
	j.mu.Lock()
	j.source = strings.TrimSpace(u)
	j.mu.Unlock()
}

func (j *Job) sourceURL() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.source
}

// Claim reports whether the displayed document name is new for this
// candidate, and claims it. A stale selector re-matching the same document
// gets false.
func (j *Job) Claim(name string) bool {
	key := Fold(strings.Join(strings.Fields(name), " "))
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.claimed[key]; ok {
		return false
	}
	j.claimed[key] = struct{}{}
	return true
}

// Adopt moves a finished download into staging under a sanitized, unique
// name. Zero-byte files are removed and reported as ErrEmptyFile.
func (j *Job) Adopt(src, name string) (Attachment, error) {
	st, err := os.Stat(src)
	if err != nil {
		return Attachment{}, fmt.Errorf("engine: adopt %s: %w", name, err)
	}
	if st.Size() == 0 {
		os.Remove(src)
		return Attachment{}, fmt.Errorf("%w: %s", ErrEmptyFile, name)
	}
	dst := j.reserve(name)
	if err := move(src, dst); err != nil {
		j.release(dst)
		return Attachment{}, fmt.Errorf("engine: adopt %s: %w", name, err)
	}
	j.Touch()
	return Attachment{Path: dst, Name: filepath.Base(dst), Size: st.Size()}, nil
}

// Write stores r in staging under a sanitized, unique name. Used when a
// document is read from an HTTP response rather than the browser.
func (j *Job) Write(name string, r io.Reader) (Attachment, error) {
	dst := j.reserve(name)
	f, err := os.Create(dst)
	if err != nil {
		j.release(dst)
		return Attachment{}, fmt.Errorf("engine: write %s: %w", name, err)
	}
	n, err := io.Copy(f, progressReader{r: r, touch: j.Touch})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: %s", ErrEmptyFile, name)
	}
	if err != nil {
		os.Remove(dst)
		j.release(dst)
		if errors.Is(err, ErrEmptyFile) {
			return Attachment{}, err
		}
		return Attachment{}, fmt.Errorf("engine: write %s: %w", name, err)
	}
	j.Touch()
	return Attachment{Path: dst, Name: filepath.Base(dst), Size: n}, nil
}

func (j *Job) reserve(name string) string {
	name = horosafe.SanitizeFilename(name, horosafe.MaxFilenameLen)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	j.mu.Lock()
	defer j.mu.Unlock()
	candidate := name
	for n := 2; ; n++ {
		if _, ok := j.names[candidate]; !ok {
			j.names[candidate] = struct{}{}
			return filepath.Join(j.Staging, candidate)
		}
		candidate = stem + "_" + strconv.Itoa(n) + ext
	}
}

func (j *Job) release(path string) {
	j.mu.Lock()
	delete(j.names, filepath.Base(path))
	j.mu.Unlock()
}

// move renames src to dst, copying when they sit on different filesystems.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

type progressReader struct {
	r     io.Reader
	touch func()
}

func (p progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.touch()
	}
	return n, err
}

// watchdog cancels a candidate's context when no progress was recorded for
// longer than threshold plus the current grace.
type watchdog struct {
	threshold time.Duration
	cancel    context.CancelCauseFunc
	now       func() time.Time

	mu    sync.Mutex
	last  time.Time
	grace time.Duration
	done  chan struct{}
	once  sync.Once
}

func newWatchdog(threshold time.Duration, cancel context.CancelCauseFunc, now func() time.Time) *watchdog {
	return &watchdog{
		threshold: threshold,
		cancel:    cancel,
		now:       now,
		last:      now(),
		done:      make(chan struct{}),
	}
}

func (w *watchdog) touch(grace time.Duration) {
	w.mu.Lock()
	w.last = w.now()
	w.grace = grace
	w.mu.Unlock()
}

func (w *watchdog) expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.last) > w.threshold+w.grace
}

func (w *watchdog) run(ctx context.Context) {
	interval := w.threshold / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-t.C:
			if w.expired() {
				w.cancel(ErrStalled)
				return
			}
		}
	}
}

func (w *watchdog) stop() {
	w.once.Do(func() { close(w.done) })
}
