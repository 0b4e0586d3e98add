// Package layout owns the directory structure of a run's output directory.
//
//	<root>/
//	  pdfs/               browser download landing area
//	  archives/           one zip per tender
//	  debug/screenshots/  failure screenshots
//	  logs/               per-run log files and the run journal
//	  temp/               per-tender staging, removed after packaging
//	  processed_<company>.json
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/licita/horosafe"
)

// Layout holds the resolved absolute directories of one output root.
type Layout struct {
	Root        string
	PDFs        string
	Archives    string
	Screenshots string
	Logs        string
	Temp        string
}

// New resolves the layout under root without touching the filesystem.
func New(root string) (Layout, error) {
	if strings.TrimSpace(root) == "" {
		return Layout{}, fmt.Errorf("layout: empty output directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("layout: resolve %s: %w", root, err)
	}
	return Layout{
		Root:        abs,
		PDFs:        filepath.Join(abs, "pdfs"),
		Archives:    filepath.Join(abs, "archives"),
		Screenshots: filepath.Join(abs, "debug", "screenshots"),
		Logs:        filepath.Join(abs, "logs"),
		Temp:        filepath.Join(abs, "temp"),
	}, nil
}

// Ensure resolves the layout under root and creates every directory.
func Ensure(root string) (Layout, error) {
	l, err := New(root)
	if err != nil {
		return Layout{}, err
	}
	for _, dir := range []string{l.Root, l.PDFs, l.Archives, l.Screenshots, l.Logs, l.Temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, fmt.Errorf("layout: mkdir %s: %w", dir, err)
		}
	}
	return l, nil
}

// Staging creates a fresh, empty staging directory for one tender. Leftovers
// from an interrupted earlier run under the same name are removed first.
func (l Layout) Staging(portal, tenderID string) (string, error) {
	name := horosafe.SanitizeComponent(portal+"_"+tenderID, horosafe.MaxFilenameLen)
	dir := filepath.Join(l.Temp, name)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("layout: clear staging %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("layout: mkdir staging %s: %w", dir, err)
	}
	return dir, nil
}

// LedgerPath returns the ledger file of companyID.
func (l Layout) LedgerPath(companyID string) string {
	return filepath.Join(l.Root, "processed_"+horosafe.SanitizeComponent(companyID, 64)+".json")
}

// Screenshot returns the path of a failure screenshot.
func (l Layout) Screenshot(portal, label string, at time.Time) string {
	name := horosafe.SanitizeComponent(portal+"_"+label, 80) + "_" + at.Format("20060102_150405.000") + ".png"
	return filepath.Join(l.Screenshots, name)
}

// LogFile returns the per-run log file of companyID.
func (l Layout) LogFile(companyID string, at time.Time) string {
	return filepath.Join(l.Logs, horosafe.SanitizeComponent(companyID, 64)+"_"+at.Format("20060102_150405")+".log")
}

// Journal returns the sqlite run journal path.
func (l Layout) Journal() string {
	return filepath.Join(l.Logs, "runs.db")
}

// Archive returns the path an archive named name would occupy.
func (l Layout) Archive(name string) string {
	return filepath.Join(l.Archives, name)
}
