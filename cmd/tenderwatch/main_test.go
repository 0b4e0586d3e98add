package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/licita/tenderwatch/tender"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_UnknownCompanyPrintsOutcome(t *testing.T) {
	// WHAT: a failed run still prints a valid outcome, then exits non-zero.
	// WHY: the dispatcher decodes stdout whatever the exit code.
	out, err := execute(t, "run", "--company-id", "SABESP", "--output-dir", t.TempDir(), "--log-level", "error")
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("err = %v, want errRunFailed", err)
	}
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("stdout must hold exactly one document: %q", out)
	}
	o, err := tender.Decode([]byte(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.Success || o.CompanyID != "SABESP" || o.ErrorMessage == nil {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestRun_RequiredFlags(t *testing.T) {
	if _, err := execute(t, "run", "--company-id", "CESAN"); err == nil || errors.Is(err, errRunFailed) {
		t.Fatalf("missing --output-dir should be a usage error, got %v", err)
	}
}

func TestRun_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("engine:\n  nope: 1\n"), 0o644)
	if _, err := execute(t, "run", "--config", path, "--company-id", "CESAN", "--output-dir", t.TempDir()); err == nil {
		t.Fatal("expected config error")
	}
}

func TestLedger(t *testing.T) {
	dir := t.TempDir()
	doc := `{"processed_cesan_processos":["001/2025","002/2025"]}`
	if err := os.WriteFile(filepath.Join(dir, "processed_CESAN.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "ledger", "--company-id", "cesan", "--output-dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	if out != "001/2025\n002/2025\n" {
		t.Fatalf("out = %q", out)
	}
}

func TestPortals(t *testing.T) {
	out, err := execute(t, "portals")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"CAGECE", "CESAN", "SANEAGO", "SANEPAR", "COMPESA_ACOMP", "COMPESA_AVISO", "COPASA"} {
		if !strings.Contains(out, id) {
			t.Fatalf("portals output missing %s:\n%s", id, out)
		}
	}
}

func TestHistory_Empty(t *testing.T) {
	out, err := execute(t, "history", "--output-dir", t.TempDir())
	if err != nil || out != "" {
		t.Fatalf("out = %q, err = %v", out, err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
