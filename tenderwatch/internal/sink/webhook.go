package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/tenderwatch/tender"
)

// Webhook POSTs the outcome document to a URL with retry and
// exponential backoff.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	policy  connectivity.Policy
	logger  *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookAttempts sets the total number of tries. Default: 3.
func WithWebhookAttempts(n int) WebhookOption {
	return func(w *Webhook) { w.policy.Attempts = n }
}

// WithWebhookBackoff sets the first retry wait. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.policy.Backoff = d }
}

// WithWebhookTimeout sets the per-request timeout. Default: 10s.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.client.Timeout = d }
}

// WithWebhookHeaders adds static request headers.
func WithWebhookHeaders(h map[string]string) WebhookOption {
	return func(w *Webhook) { w.headers = h }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	w.policy.Logger = w.logger
	return w
}

func (w *Webhook) Deliver(ctx context.Context, o tender.Outcome) error {
	var body bytes.Buffer
	if err := tender.Encode(&body, prune(w.logger, o)); err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}
	return connectivity.Retry(ctx, w.policy, "webhook", func(ctx context.Context) error {
		return w.post(ctx, body.Bytes())
	})
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return connectivity.Permanent(fmt.Errorf("webhook: new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	default:
		return connectivity.Permanent(fmt.Errorf("webhook: status %d", resp.StatusCode))
	}
}
