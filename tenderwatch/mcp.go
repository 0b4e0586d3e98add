package tenderwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hazyhaar/licita/horosafe"
	"github.com/hazyhaar/licita/kit"
	"github.com/hazyhaar/licita/tenderwatch/tender"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tools serves runs and their bookkeeping over MCP. Every output
// directory argument is confined to Root.
type Tools struct {
	cfg    *Config
	root   string
	logger *slog.Logger
	run    func(ctx context.Context, opts Options) tender.Outcome
}

// NewTools creates the MCP tool set. An empty cfg.MCP.Root confines
// paths to the working directory.
func NewTools(cfg *Config, logger *slog.Logger) (*Tools, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	root := cfg.MCP.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("tenderwatch: mcp root: %w", err)
	}
	return &Tools{cfg: cfg, root: abs, logger: logger, run: Run}, nil
}

// Root is the directory path arguments are confined to.
func (t *Tools) Root() string { return t.root }

// RegisterMCP registers every tool on srv.
func (t *Tools) RegisterMCP(srv *mcp.Server) {
	t.registerPortalsTool(srv)
	t.registerLedgerTool(srv)
	t.registerHistoryTool(srv)
	t.registerRunTool(srv)
}

func (t *Tools) outputDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("output_dir is required")
	}
	return horosafe.SafePath(t.root, dir)
}

func (t *Tools) endpoint(op string, e kit.Endpoint) kit.Endpoint {
	return kit.Logging(t.logger, op)(e)
}

// --- portals ---

func (t *Tools) registerPortalsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenderwatch_portals",
		Description: "List the supported company ids with their portal name and listing URL.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return Portals(), nil
	}
	kit.RegisterMCPTool(srv, tool, t.endpoint("portals", endpoint), kit.DecodeJSON[struct{}]())
}

// --- ledger ---

type ledgerRequest struct {
	CompanyID string `json:"company_id"`
	OutputDir string `json:"output_dir"`
}

type ledgerResponse struct {
	CompanyID string   `json:"company_id"`
	Processed []string `json:"processed"`
}

func (t *Tools) registerLedgerTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenderwatch_ledger",
		Description: "List the tender ids already processed for a company in an output directory.",
		InputSchema: kit.InputSchema(map[string]any{
			"company_id": map[string]any{"type": "string", "description": "Company id, e.g. CESAN"},
			"output_dir": map[string]any{"type": "string", "description": "Output directory, relative to the server root"},
		}, []string{"company_id", "output_dir"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*ledgerRequest)
		dir, err := t.outputDir(r.OutputDir)
		if err != nil {
			return nil, err
		}
		ids, err := Processed(dir, r.CompanyID)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []string{}
		}
		return ledgerResponse{CompanyID: r.CompanyID, Processed: ids}, nil
	}
	kit.RegisterMCPTool(srv, tool, t.endpoint("ledger", endpoint), kit.DecodeJSON[ledgerRequest]())
}

// --- history ---

type historyRequest struct {
	OutputDir string `json:"output_dir"`
	CompanyID string `json:"company_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (t *Tools) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenderwatch_history",
		Description: "Recent runs recorded in the run journal, newest first.",
		InputSchema: kit.InputSchema(map[string]any{
			"output_dir": map[string]any{"type": "string", "description": "Output directory, relative to the server root"},
			"company_id": map[string]any{"type": "string", "description": "Only runs of this company"},
			"limit":      map[string]any{"type": "integer", "description": "Max runs (default 20)"},
		}, []string{"output_dir"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*historyRequest)
		dir, err := t.outputDir(r.OutputDir)
		if err != nil {
			return nil, err
		}
		return History(ctx, t.cfg, dir, r.CompanyID, r.Limit)
	}
	kit.RegisterMCPTool(srv, tool, t.endpoint("history", endpoint), kit.DecodeJSON[historyRequest]())
}

// --- run ---

type runRequest struct {
	CompanyID string   `json:"company_id"`
	OutputDir string   `json:"output_dir"`
	Keywords  []string `json:"keywords,omitempty"`
}

func (t *Tools) registerRunTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "tenderwatch_run",
		Description: "Run a portal scrape for a company and return the outcome document.",
		InputSchema: kit.InputSchema(map[string]any{
			"company_id": map[string]any{"type": "string", "description": "Company id, e.g. SANEPAR"},
			"output_dir": map[string]any{"type": "string", "description": "Output directory, relative to the server root"},
			"keywords":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Override the configured keywords"},
		}, []string{"company_id", "output_dir"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*runRequest)
		dir, err := t.outputDir(r.OutputDir)
		if err != nil {
			return nil, err
		}
		return t.run(ctx, Options{
			CompanyID: r.CompanyID,
			OutputDir: dir,
			Keywords:  r.Keywords,
			Config:    t.cfg,
			Logger:    t.logger,
		}), nil
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		res, err := kit.DecodeJSON[runRequest]()(req)
		if err != nil {
			return nil, err
		}
		id := res.Request.(*runRequest).CompanyID
		res.EnrichCtx = func(ctx context.Context) context.Context { return kit.WithCompanyID(ctx, id) }
		return res, nil
	}
	kit.RegisterMCPTool(srv, tool, t.endpoint("run", endpoint), decode)
}
