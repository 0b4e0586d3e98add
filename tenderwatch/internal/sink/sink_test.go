package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/licita/tenderwatch/tender"
)

func sample() tender.Outcome {
	zip := "CESAN/CESAN_12.zip"
	return tender.Outcome{
		SchemaVersion: tender.SchemaVersion,
		Success:       true,
		CompanyID:     "CESAN",
		Tenders: []tender.Result{
			{TenderID: "12", Title: "Hidrometros", ZipPath: &zip, SourceURL: "https://example.invalid/12"},
		},
	}
}

func TestStdout_OneLine(t *testing.T) {
	var buf bytes.Buffer
	if err := NewStdout(&buf).Deliver(context.Background(), sample()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("want exactly one line, got %q", buf.String())
	}
	got, err := tender.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CompanyID != "CESAN" || len(got.Tenders) != 1 {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestStdout_DropsInvalidResult(t *testing.T) {
	o := sample()
	o.Tenders = append(o.Tenders, tender.Result{TenderID: "13", Title: "Sem fonte"})
	var out, logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	if err := NewStdout(&out).WithLogger(logger).Deliver(context.Background(), o); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, err := tender.Decode(out.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Tenders) != 1 || got.Tenders[0].TenderID != "12" {
		t.Fatalf("tenders = %+v", got.Tenders)
	}
	if !strings.Contains(logs.String(), "invalid result dropped") || !strings.Contains(logs.String(), "source_url") {
		t.Fatalf("no error log for the dropped result: %s", logs.String())
	}
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	// WHAT: a 503 is retried, the document arrives intact on the next try.
	var calls atomic.Int32
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-Key") != "k" || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL,
		WithWebhookBackoff(time.Millisecond),
		WithWebhookHeaders(map[string]string{"X-Key": "k"}),
		WithWebhookLogger(slog.New(slog.DiscardHandler)))
	if err := wh.Deliver(context.Background(), sample()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if !bytes.Contains(body, []byte(`"company_id":"CESAN"`)) {
		t.Fatalf("body: %s", body)
	}
}

func TestWebhook_ClientErrorIsPermanent(t *testing.T) {
	// WHAT: a 4xx is not retried.
	// WHY: the receiver rejected the document; resending it cannot help.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond)).Deliver(context.Background(), sample())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhook_Exhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, WithWebhookAttempts(2), WithWebhookBackoff(time.Millisecond),
		WithWebhookLogger(slog.New(slog.DiscardHandler)))
	if err := wh.Deliver(context.Background(), sample()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

type failing struct{ n int }

func (f *failing) Deliver(context.Context, tender.Outcome) error {
	f.n++
	return errors.New("boom")
}

func TestRouter_TriesAll(t *testing.T) {
	var buf bytes.Buffer
	bad := &failing{}
	r := NewRouter(slog.New(slog.DiscardHandler), bad, NewStdout(&buf))
	if err := r.Deliver(context.Background(), sample()); err == nil {
		t.Fatal("expected first error")
	}
	if bad.n != 1 || buf.Len() == 0 {
		t.Fatalf("every sink should be tried: bad=%d stdout=%d", bad.n, buf.Len())
	}
}
