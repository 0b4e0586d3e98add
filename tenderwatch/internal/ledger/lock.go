package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// ErrLocked is returned when another run holds the ledger lock.
var ErrLocked = errors.New("ledger: locked by another run")

// DefaultStaleAfter is the age after which an abandoned lock is taken over.
// Runs are bounded by the dispatcher's timeout, which is shorter.
const DefaultStaleAfter = 2 * time.Hour

// Lock takes an exclusive lock next to the ledger file for the duration of
// a run. A lock older than staleAfter is considered abandoned by a killed
// process and is replaced. The returned func releases the lock.
func Lock(ledgerPath string, staleAfter time.Duration, logger *slog.Logger) (func() error, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := ledgerPath + ".lock"

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return func() error {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("ledger: unlock: %w", err)
				}
				return nil
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("ledger: lock: %w", err)
		}

		st, serr := os.Stat(path)
		if serr != nil {
			continue
		}
		if age := time.Since(st.ModTime()); age < staleAfter {
			return nil, fmt.Errorf("%w: %s held for %s", ErrLocked, path, age.Round(time.Second))
		}
		holder, _ := os.ReadFile(path)
		logger.Warn("ledger: taking over stale lock", "path", path, "holder_pid", lockHolderPID(string(holder)), "age", time.Since(st.ModTime()))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("ledger: remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

// lockHolderPID parses the pid written by Lock, for diagnostics.
func lockHolderPID(content string) int {
	for i, r := range content {
		if r == ' ' {
			n, _ := strconv.Atoi(content[:i])
			return n
		}
	}
	return 0
}
