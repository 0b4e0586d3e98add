// Package workspace records processed tenders as pages of a Notion
// database.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/horosafe"
)

const (
	// DefaultBaseURL is the Notion API root.
	DefaultBaseURL = "https://api.notion.com/v1"
	// APIVersion is the Notion-Version header sent with every call.
	APIVersion = "2022-06-28"
	// StatusReview is the status of a freshly recorded tender.
	StatusReview = "Em Análise"

	maxRichText = 2000
)

// Database property names.
const (
	PropTenderID   = "ID Licitação"
	PropTitle      = "Título (Objeto)"
	PropSourceURL  = "URL Fonte"
	PropStatus     = "Status"
	PropDiscovered = "Data Descoberta"
	PropCompany    = "Empresa (ID)"
	PropSummary    = "Resumo AI"
	PropLink       = "Link Drive"
)

// Record is one tender to file.
type Record struct {
	TenderID   string
	Title      string
	SourceURL  string
	Status     string
	CompanyID  string
	Summary    string
	Link       string
	Discovered time.Time
}

// Page is a created database page.
type Page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client talks to the Notion API.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	policy  connectivity.Policy
	breaker *connectivity.CircuitBreaker
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPolicy sets the retry policy.
func WithPolicy(p connectivity.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New creates a client authenticated with an integration token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
		policy:  connectivity.Policy{Attempts: 3},
		breaker: connectivity.NewCircuitBreaker("workspace"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.policy.Logger = c.logger
	return c
}

// CreatePage files r in the database databaseID.
func (c *Client) CreatePage(ctx context.Context, databaseID string, r Record) (Page, error) {
	if c.token == "" {
		return Page{}, fmt.Errorf("workspace: token is not set")
	}
	if databaseID == "" {
		return Page{}, fmt.Errorf("workspace: database id is required")
	}
	body, err := json.Marshal(map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": c.properties(r),
	})
	if err != nil {
		return Page{}, fmt.Errorf("workspace: encode: %w", err)
	}

	var page Page
	err = connectivity.Retry(ctx, c.policy, "workspace.create_page", func(ctx context.Context) error {
		return c.breaker.Do(ctx, func(ctx context.Context) error {
			return c.post(ctx, "/pages", body, &page)
		})
	})
	if err != nil {
		return Page{}, fmt.Errorf("workspace: create page for %s: %w", r.TenderID, err)
	}
	c.logger.Info("workspace: page created", "tender_id", r.TenderID, "page_id", page.ID)
	return page, nil
}

func (c *Client) properties(r Record) map[string]any {
	status := r.Status
	if status == "" {
		status = StatusReview
	}
	discovered := r.Discovered
	if discovered.IsZero() {
		discovered = c.now()
	}
	props := map[string]any{
		PropTenderID:   map[string]any{"title": richText(r.TenderID)},
		PropTitle:      map[string]any{"rich_text": richText(r.Title)},
		PropSourceURL:  map[string]any{"url": r.SourceURL},
		PropStatus:     map[string]any{"select": map[string]string{"name": status}},
		PropDiscovered: map[string]any{"date": map[string]string{"start": discovered.UTC().Format(time.RFC3339)}},
	}
	if r.CompanyID != "" {
		props[PropCompany] = map[string]any{"rich_text": richText(r.CompanyID)}
	}
	if r.Summary != "" {
		props[PropSummary] = map[string]any{"rich_text": richText(r.Summary)}
	}
	if r.Link != "" {
		props[PropLink] = map[string]any{"url": r.Link}
	}
	return props
}

// richText builds a rich text array holding s cut to the API's 2000
// character limit.
func richText(s string) []any {
	if utf8.RuneCountInString(s) > maxRichText {
		s = string([]rune(s)[:maxRichText])
	}
	return []any{map[string]any{"text": map[string]string{"content": s}}}
}

type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("notion %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return connectivity.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", APIVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return err
	}

	if resp.StatusCode/100 != 2 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		apiErr.Status = resp.StatusCode
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apiErr
		}
		return connectivity.Permanent(apiErr)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return connectivity.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
