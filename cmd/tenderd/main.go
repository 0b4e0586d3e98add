// Command tenderd is the HTTP front door of the tender pipeline. A trigger
// runs tenderwatch for one company, summarizes each new tender archive,
// uploads it to the bucket and files a Notion page.
//
// Environment:
//
//	PORT                  listen port (default from config, ":8080")
//	TENDERD_CONFIG        tenderwatch.yaml, also passed to the child runs
//	TENDERD_TOKEN_HASH    bcrypt hash of the X-Auth-Token shared secret
//	MINIO_ENDPOINT        S3-compatible endpoint; uploads are skipped when unset
//	MINIO_ACCESS_KEY, MINIO_SECRET_KEY, MINIO_USE_SSL, MINIO_BUCKET, MINIO_REGION
//	ANTHROPIC_API_KEY     summaries are skipped when unset
//	ANTHROPIC_MODEL       overrides dispatch.model
//	NOTION_TOKEN          Notion integration token
//	LOG_LEVEL             debug, info, warn, error
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hazyhaar/licita/dispatch"
	"github.com/hazyhaar/licita/tenderwatch"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Getenv, logger); err != nil {
		logger.Error("tenderd", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, getenv func(string) string, logger *slog.Logger) error {
	svc, cfg, err := newService(ctx, getenv, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              listenAddr(getenv("PORT"), cfg.Dispatch.Addr),
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// A trigger answers after the whole run.
		WriteTimeout: cfg.Dispatch.RunTimeout + 5*time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("tenderd: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("tenderd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("tenderd: stopped")
	return nil
}

// newService wires the dispatcher from the environment. Missing backend
// credentials disable that backend with a warning; a missing token hash
// makes every trigger fail with 500.
func newService(ctx context.Context, getenv func(string) string, logger *slog.Logger) (*dispatch.Service, *tenderwatch.Config, error) {
	cfg := tenderwatch.DefaultConfig()
	configPath := getenv("TENDERD_CONFIG")
	if configPath != "" {
		loaded, err := tenderwatch.LoadConfigFile(configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	command := slices.Clone(cfg.Dispatch.Command)
	if configPath != "" && !slices.Contains(command, "--config") {
		command = append(command, "--config", configPath)
	}

	opts := dispatch.Options{
		Config: cfg,
		Runner: &dispatch.ExecRunner{Command: command, Logger: logger},
		Logger: logger,
	}

	if h := strings.TrimSpace(getenv("TENDERD_TOKEN_HASH")); h != "" {
		opts.TokenHash = []byte(h)
	} else {
		logger.Warn("tenderd: TENDERD_TOKEN_HASH not set, triggers will be refused")
	}

	if endpoint := getenv("MINIO_ENDPOINT"); endpoint != "" {
		useSSL, _ := strconv.ParseBool(getenv("MINIO_USE_SSL"))
		bucket := getenv("MINIO_BUCKET")
		if bucket == "" {
			bucket = cfg.Dispatch.Bucket
		}
		store, err := dispatch.NewStore(ctx, dispatch.StoreConfig{
			Endpoint:  endpoint,
			AccessKey: getenv("MINIO_ACCESS_KEY"),
			SecretKey: getenv("MINIO_SECRET_KEY"),
			UseSSL:    useSSL,
			Bucket:    bucket,
			Region:    getenv("MINIO_REGION"),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		opts.Store = store
	} else {
		logger.Warn("tenderd: MINIO_ENDPOINT not set, archives will not be uploaded")
	}

	if key := getenv("ANTHROPIC_API_KEY"); key != "" {
		model := getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = cfg.Dispatch.Model
		}
		opts.Analyzer = dispatch.NewAnalyzer(key, model, logger)
	} else {
		logger.Warn("tenderd: ANTHROPIC_API_KEY not set, summaries disabled")
	}

	if token := getenv("NOTION_TOKEN"); token != "" {
		opts.Workspace = dispatch.NewWorkspace(token, logger)
	} else {
		logger.Warn("tenderd: NOTION_TOKEN not set, pages will not be created")
	}

	return dispatch.New(opts), cfg, nil
}

func listenAddr(port, fallback string) string {
	if port == "" {
		return fallback
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
