// Package connectivity holds the resilience helpers used by the outbound
// collaborators (webhook sink, document store, summarizer, workspace):
// bounded retry with exponential backoff and a per-service circuit breaker.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// Backoff is the wait before the second attempt, doubled after each
	// failure. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps a single wait. Default: 30s.
	MaxBackoff time.Duration

	// Logger receives one warning per failed attempt. Nil means silent.
	Logger *slog.Logger
}

func (p *Policy) defaults() {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
}

// Retry calls fn until it succeeds, returns a Permanent error, the breaker
// rejects it, or the attempts are exhausted. It respects context
// cancellation between attempts.
func Retry(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p.defaults()
	var lastErr error
	wait := p.Backoff
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || IsPermanent(err) {
			return err
		}
		var open *ErrCircuitOpen
		if errors.As(err, &open) {
			return err
		}
		if attempt == p.Attempts {
			break
		}

		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "connectivity: retrying",
				"op", op,
				"attempt", attempt,
				"max_attempts", p.Attempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
		wait *= 2
		if wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
	}
	return fmt.Errorf("connectivity: %s: %d attempts exhausted: %w", op, p.Attempts, lastErr)
}
