// Package engine runs the portal-independent part of a scrape: listing
// iteration with a seen filter, per-candidate extraction under a stall
// watchdog, archival, and the conservative ledger discipline. Portals plug
// in through the Portal and Listing interfaces.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/tender"
)

var (
	// ErrStalled marks a candidate abandoned by the stall watchdog.
	ErrStalled = errors.New("engine: candidate stalled")
	// ErrNoAttachments is returned by Extract when the detail view
	// legitimately lists no documents. It is not a failure.
	ErrNoAttachments = errors.New("engine: no attachments found")
	// ErrEmptyFile is returned by Job.Adopt and Job.Write for zero-byte files.
	ErrEmptyFile = errors.New("engine: empty file")
)

// Candidate is one listing row.
type Candidate struct {
	ID    string // portal-native id, or a row{n}_{stamp} fallback
	Title string
	Ref   string // whatever the portal needs to reach the detail view
	Index int    // position among the currently rendered rows
	URL   string // source URL reported downstream
	Label string // optional archive name fragment
	Extra map[string]string
}

// Attachment is one file staged for archival.
type Attachment struct {
	Path string
	Name string
	Size int64
}

// Query holds the run's filter criteria.
type Query struct {
	Keywords []string
	Year     int
	RunStart time.Time
}

// Listing is a live view over a portal's search results. It is not
// restartable: a new Scan re-queries the portal.
type Listing interface {
	// Rows returns the currently rendered rows, in listing order.
	Rows(ctx context.Context) ([]Candidate, error)
	// Total is the declared result count, or -1 when the portal has none.
	Total() int
	// Next advances to the next page. False means no more pages.
	Next(ctx context.Context) (bool, error)
	// Return restores the listing after a candidate's detail view.
	Return(ctx context.Context) error
}

// Portal is one procurement site.
type Portal interface {
	// Name is the portal name used in archive names and the ledger key.
	Name() string
	// Home is the listing entry point, the fallback source URL.
	Home() string
	Scan(ctx context.Context, q Query) (Listing, error)
	Extract(ctx context.Context, job *Job) ([]Attachment, error)
	Close() error
}

// Matcher overrides the default keyword filter.
type Matcher interface {
	Match(c Candidate, q Query) bool
}

// Splitter turns one query into several searches, run in order.
type Splitter interface {
	Split(q Query) []Query
}

// Snapshotter captures a diagnostic screenshot to path.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// Status is a candidate's terminal state.
type Status string

const (
	StatusArchived Status = "archived"
	StatusEmpty    Status = "empty"
	StatusFailed   Status = "failed"
)

// Record describes one candidate's terminal state.
type Record struct {
	TenderID  string
	Title     string
	SourceURL string
	Status    Status
	ZipPath   string
	Files     int
	Error     string
	Started   time.Time
	Duration  time.Duration
}

// Journal receives run lifecycle events. Errors are logged, never fatal.
type Journal interface {
	Begin(ctx context.Context, runID, companyID string, started time.Time) error
	Record(ctx context.Context, runID string, rec Record) error
	Finish(ctx context.Context, runID string, o tender.Outcome, finished time.Time) error
}
