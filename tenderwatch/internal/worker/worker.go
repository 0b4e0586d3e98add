// Package worker runs an out-of-process scraper over a JSON contract: one
// request object on stdin, one response object on stdout. Stderr is
// forwarded to the log line by line.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/licita/horosafe"
)

// Version is the contract version sent and expected.
const Version = 1

// DefaultTimeout bounds one worker invocation.
const DefaultTimeout = 30 * time.Minute

const maxResponse = 1 << 20

var (
	// ErrContract is returned when the worker's output is not a valid
	// response object.
	ErrContract = errors.New("worker: contract violation")
	// ErrFailed is returned when the worker reports success=false.
	ErrFailed = errors.New("worker: reported failure")
	// ErrTimeout is returned when the worker outlives its timeout.
	ErrTimeout = errors.New("worker: timed out")
)

// Request is written to the worker's stdin.
type Request struct {
	Version   int    `json:"version"`
	URL       string `json:"url"`
	OutputDir string `json:"output_dir"`
}

// Response is read from the worker's stdout.
type Response struct {
	Version  int    `json:"version"`
	Success  bool   `json:"success"`
	FilePath string `json:"file_path"`
	Error    string `json:"error"`
}

// Runner invokes one worker command.
type Runner struct {
	Command []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Run sends req to a fresh worker process and returns its response. On
// success FilePath is absolute, inside req.OutputDir, and names an existing
// regular file.
func (r *Runner) Run(ctx context.Context, req Request) (Response, error) {
	if len(r.Command) == 0 {
		return Response{}, errors.New("worker: no command configured")
	}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	req.Version = Version
	in, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("worker: encode request: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(wctx, r.Command[0], r.Command[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	var out bytes.Buffer
	cmd.Stdout = &out
	stderr := &lineLog{log: log}
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Response{}, fmt.Errorf("worker: start %s: %w", r.Command[0], err)
	}
	runErr := cmd.Wait()
	stderr.flush()
	log.Info("worker: finished", "command", r.Command[0], "duration", time.Since(start), "error", runErr)

	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if wctx.Err() != nil {
		return Response{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	resp, perr := Parse(out.Bytes())
	if perr != nil {
		if runErr != nil {
			return Response{}, fmt.Errorf("worker: %w (%v)", runErr, perr)
		}
		return Response{}, perr
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" && runErr != nil {
			msg = runErr.Error()
		}
		return resp, fmt.Errorf("%w: %s", ErrFailed, msg)
	}
	if runErr != nil {
		return resp, fmt.Errorf("worker: reported success but exited: %w", runErr)
	}
	p, err := resolveOutput(req.OutputDir, resp.FilePath)
	if err != nil {
		return resp, err
	}
	resp.FilePath = p
	return resp, nil
}

// Parse decodes a response and checks the contract: a single JSON object
// of the current version, with a file path when successful.
func Parse(b []byte) (Response, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Response{}, fmt.Errorf("%w: empty output", ErrContract)
	}
	if len(b) > maxResponse {
		return Response{}, fmt.Errorf("%w: output exceeds %d bytes", ErrContract, maxResponse)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrContract, err)
	}
	if dec.More() {
		return Response{}, fmt.Errorf("%w: trailing data", ErrContract)
	}
	if resp.Version != Version {
		return Response{}, fmt.Errorf("%w: version %d, want %d", ErrContract, resp.Version, Version)
	}
	if resp.Success && strings.TrimSpace(resp.FilePath) == "" {
		return Response{}, fmt.Errorf("%w: success without file_path", ErrContract)
	}
	return resp, nil
}

func resolveOutput(dir, p string) (string, error) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("worker: output dir: %w", err)
	}
	abs, err := horosafe.SafePath(base, p)
	if err != nil {
		return "", fmt.Errorf("%w: file_path %q outside output_dir", ErrContract, p)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: file_path: %v", ErrContract, err)
	}
	if !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: file_path %q is not a regular file", ErrContract, p)
	}
	return abs, nil
}

// lineLog forwards a process's stderr to the logger one line at a time.
type lineLog struct {
	log *slog.Logger
	mu  sync.Mutex
	buf []byte
}

func (l *lineLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 64*1024 {
		l.emit(l.buf)
		l.buf = nil
	}
	return len(p), nil
}

func (l *lineLog) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emit(l.buf)
	l.buf = nil
}

func (l *lineLog) emit(b []byte) {
	if line := strings.TrimSpace(string(b)); line != "" {
		l.log.Debug("worker: stderr", "line", line)
	}
}
