// Command tenderwatch scrapes one procurement portal per invocation and
// prints the run outcome as a single JSON document on stdout.
//
// Usage:
//
//	tenderwatch run --company-id CESAN --output-dir ./downloads --keywords hidrometro
//	tenderwatch ledger --company-id CESAN --output-dir ./downloads
//	tenderwatch history --output-dir ./downloads
//	tenderwatch portals
//	tenderwatch mcp --config tenderwatch.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/hazyhaar/licita/docpipe"
	"github.com/hazyhaar/licita/tenderwatch"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

// errRunFailed makes the process exit 1 after the outcome was printed.
var errRunFailed = errors.New("run failed")

type globals struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "tenderwatch:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "tenderwatch",
		Short:         "Procurement portal scraper",
		Long:          `Scrapes tender listings of Brazilian sanitation companies, archives their documents and reports new tenders as JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to tenderwatch.yaml")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(g), newLedgerCmd(), newHistoryCmd(g), newPortalsCmd(), newMCPCmd(g))
	return root
}

func (g *globals) logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(g.logLevel)}))
}

func (g *globals) config() (*tenderwatch.Config, error) {
	if g.configPath == "" {
		return tenderwatch.DefaultConfig(), nil
	}
	return tenderwatch.LoadConfigFile(g.configPath)
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

func newRunCmd(g *globals) *cobra.Command {
	var opts tenderwatch.Options
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape one company portal and print the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := g.logger()
			cfg, err := g.config()
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.Logger = logger

			o := tenderwatch.Run(cmd.Context(), opts)
			if err := tenderwatch.Deliver(cmd.Context(), cfg, o, cmd.OutOrStdout(), logger); err != nil {
				return err
			}
			if !o.Success {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.CompanyID, "company-id", "", "company id (see portals)")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "output directory")
	cmd.Flags().StringSliceVar(&opts.Keywords, "keywords", nil, "keywords, repeatable or comma separated")
	cmd.Flags().StringVar(&opts.NotionDatabaseID, "notion-db-id", "", "workspace database id (logged only)")
	cmd.MarkFlagRequired("company-id")
	cmd.MarkFlagRequired("output-dir")
	return cmd
}

func newLedgerCmd() *cobra.Command {
	var companyID, outputDir string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List tender ids already processed for a company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := tenderwatch.Processed(outputDir, companyID)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company-id", "", "company id")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "output directory")
	cmd.MarkFlagRequired("company-id")
	cmd.MarkFlagRequired("output-dir")
	return cmd
}

func newHistoryCmd(g *globals) *cobra.Command {
	var companyID, outputDir string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the run journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			runs, err := tenderwatch.History(cmd.Context(), cfg, outputDir, companyID, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range runs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company-id", "", "only runs of this company")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "output directory")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	cmd.MarkFlagRequired("output-dir")
	return cmd
}

func newPortalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portals",
		Short: "List supported company ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COMPANY\tPORTAL\tHOME")
			for _, p := range tenderwatch.Portals() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.CompanyID, p.Portal, p.Home)
			}
			return tw.Flush()
		},
	}
}

func newMCPCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tenderwatch tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := g.logger()
			cfg, err := g.config()
			if err != nil {
				return err
			}
			tools, err := tenderwatch.NewTools(cfg, logger)
			if err != nil {
				return err
			}
			srv := mcp.NewServer(&mcp.Implementation{Name: "tenderwatch", Version: "1.0.0"}, nil)
			tools.RegisterMCP(srv)
			if err := docpipe.New(docpipe.Config{Logger: logger}).RegisterMCP(srv, tools.Root()); err != nil {
				return err
			}
			logger.Info("tenderwatch: mcp serving on stdio")
			return srv.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}
