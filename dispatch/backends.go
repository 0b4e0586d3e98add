package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/licita/dispatch/internal/docstore"
	"github.com/hazyhaar/licita/dispatch/internal/summarize"
	"github.com/hazyhaar/licita/dispatch/internal/workspace"
	"github.com/hazyhaar/licita/docpipe"
)

// StoreConfig locates the S3-compatible bucket that keeps tender archives.
type StoreConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Bucket     string
	Region     string
	LinkExpiry time.Duration
}

// NewStore connects to the bucket and creates it when missing.
func NewStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (Store, error) {
	s, err := docstore.New(docstore.Config{
		Endpoint:   cfg.Endpoint,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		UseSSL:     cfg.UseSSL,
		Bucket:     cfg.Bucket,
		Region:     cfg.Region,
		LinkExpiry: cfg.LinkExpiry,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return s, nil
}

// NewAnalyzer summarizes archives with the Anthropic model.
func NewAnalyzer(apiKey, model string, logger *slog.Logger) Analyzer {
	return summarize.New(summarize.NewAnthropic(apiKey, model),
		summarize.WithLogger(logger),
		summarize.WithPipeline(docpipe.New(docpipe.Config{Logger: logger})),
	)
}

// NewWorkspace files tender pages in Notion.
func NewWorkspace(token string, logger *slog.Logger) Workspace {
	return workspace.New(token, workspace.WithLogger(logger))
}
