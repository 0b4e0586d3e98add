// Package tender defines the dispatch contract exchanged between a portal
// run and its caller: one Outcome document per run, printed as JSON on
// standard output and decoded by the dispatcher.
package tender

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// SchemaVersion is the version of the Outcome document written by this
// package. Decode rejects any other version.
const SchemaVersion = 1

// ErrSchema is returned for documents that do not satisfy the contract.
var ErrSchema = errors.New("tender: schema violation")

// Result is one tender that reached a terminal state in the run.
type Result struct {
	TenderID string `json:"tender_id"`
	Title    string `json:"title"`
	// ZipPath is relative to the run's output directory, absolute, or nil
	// when the tender had no attachments.
	ZipPath   *string `json:"downloaded_zip_path"`
	SourceURL string  `json:"source_url"`
}

// Outcome is the aggregate of one handler invocation.
type Outcome struct {
	SchemaVersion int      `json:"schema_version"`
	Success       bool     `json:"success"`
	CompanyID     string   `json:"company_id"`
	Tenders       []Result `json:"new_tenders_processed"`
	ErrorMessage  *string  `json:"error_message"`
}

// Failed builds an unsuccessful outcome carrying msg.
func Failed(companyID, msg string) Outcome {
	return Outcome{
		SchemaVersion: SchemaVersion,
		CompanyID:     companyID,
		Tenders:       []Result{},
		ErrorMessage:  &msg,
	}
}

// Validate checks a single result against the contract.
func (r Result) Validate() error {
	var missing []string
	if strings.TrimSpace(r.TenderID) == "" {
		missing = append(missing, "tender_id")
	}
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(r.SourceURL) == "" {
		missing = append(missing, "source_url")
	}
	if r.ZipPath != nil && strings.TrimSpace(*r.ZipPath) == "" {
		missing = append(missing, "downloaded_zip_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: result %q missing %s", ErrSchema, r.TenderID, strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks the whole document.
func (o Outcome) Validate() error {
	if o.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema_version %d, want %d", ErrSchema, o.SchemaVersion, SchemaVersion)
	}
	if strings.TrimSpace(o.CompanyID) == "" {
		return fmt.Errorf("%w: company_id is empty", ErrSchema)
	}
	if o.Tenders == nil {
		return fmt.Errorf("%w: new_tenders_processed is missing", ErrSchema)
	}
	for _, r := range o.Tenders {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Prune returns a copy of o without the results that fail Validate, and
// the validation error of each dropped result. One bad result never costs
// the caller the rest of the run.
func (o Outcome) Prune() (Outcome, []error) {
	kept := make([]Result, 0, len(o.Tenders))
	var dropped []error
	for _, r := range o.Tenders {
		if err := r.Validate(); err != nil {
			dropped = append(dropped, err)
			continue
		}
		kept = append(kept, r)
	}
	o.Tenders = kept
	return o, dropped
}

// Encode writes o as a single JSON line. Invalid results are left out (see
// Prune; callers log them); the remaining document is validated first.
func Encode(w io.Writer, o Outcome) error {
	o, _ = o.Prune()
	if err := o.Validate(); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(o); err != nil {
		return fmt.Errorf("tender: encode: %w", err)
	}
	return nil
}

// Decode parses and validates an Outcome document. Unknown fields and
// trailing data are rejected rather than ignored.
func Decode(data []byte) (Outcome, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(data)))
	dec.DisallowUnknownFields()
	var o Outcome
	if err := dec.Decode(&o); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if dec.More() {
		return Outcome{}, fmt.Errorf("%w: trailing data after outcome", ErrSchema)
	}
	if err := o.Validate(); err != nil {
		return Outcome{}, err
	}
	return o, nil
}

// Relativize rewrites path relative to root when it lives under root, and
// leaves it absolute otherwise.
func Relativize(root, path string) string {
	if root == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// Resolve turns a result's zip path back into an absolute path under root.
func Resolve(root string, r Result) (string, bool) {
	if r.ZipPath == nil {
		return "", false
	}
	p := *r.ZipPath
	if filepath.IsAbs(p) {
		return p, true
	}
	return filepath.Join(root, p), true
}
