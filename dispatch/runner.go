package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one scraper run and returns its standard output.
type Runner interface {
	Run(ctx context.Context, args []string) ([]byte, error)
}

// ExecRunner runs the tenderwatch binary as a child process.
type ExecRunner struct {
	// Command is the invocation prefix, e.g. ["tenderwatch"] or
	// ["tenderwatch", "--config", "/etc/tenderwatch.yaml"].
	Command []string
	Logger  *slog.Logger
}

// ExitError reports a run that exited non-zero. Its stdout may still carry
// an outcome document.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// stderrTail bounds the stderr kept for error messages.
const stderrTail = 2048

// Run implements Runner. Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	if len(r.Command) == 0 {
		return nil, errors.New("dispatch: empty run command")
	}
	argv := append(append([]string{}, r.Command[1:]...), args...)
	cmd := exec.CommandContext(ctx, r.Command[0], argv...)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	err := cmd.Run()
	logger.Info("dispatch: run finished",
		"command", r.Command[0],
		"duration_ms", time.Since(start).Milliseconds(),
		"stdout_bytes", stdout.Len(),
		"error", err)

	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return stdout.Bytes(), fmt.Errorf("dispatch: run aborted: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > stderrTail {
			tail = "..." + tail[len(tail)-stderrTail:]
		}
		return stdout.Bytes(), &ExitError{Code: exitErr.ExitCode(), Stderr: tail}
	}
	return nil, fmt.Errorf("dispatch: start run: %w", err)
}

// runArgs builds the run subcommand arguments.
func runArgs(companyID, outputDir, notionDB string, keywords []string) []string {
	args := []string{"run", "--company-id", companyID, "--output-dir", outputDir}
	if notionDB != "" {
		args = append(args, "--notion-db-id", notionDB)
	}
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			args = append(args, "--keywords", k)
		}
	}
	return args
}
