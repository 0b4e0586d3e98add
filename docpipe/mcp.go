package docpipe

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/licita/horosafe"
	"github.com/hazyhaar/licita/kit"
)

// RegisterMCP registers the extraction tools on srv. Path arguments are
// resolved under root.
func (p *Pipeline) RegisterMCP(srv *mcp.Server, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("docpipe: mcp root: %w", err)
	}
	p.registerExtractTool(srv, abs)
	p.registerArchiveTool(srv, abs)
	return nil
}

type pathRequest struct {
	Path string `json:"path"`
}

func confine(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	return horosafe.SafePath(root, path)
}

// --- extract ---

func (p *Pipeline) registerExtractTool(srv *mcp.Server, root string) {
	tool := &mcp.Tool{
		Name:        "docpipe_extract",
		Description: "Extract the text of one tender document (pdf, docx, odt, html, txt, md).",
		InputSchema: kit.InputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Document path"},
		}, []string{"path"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		path, err := confine(root, req.(*pathRequest).Path)
		if err != nil {
			return nil, err
		}
		return p.Extract(ctx, path)
	}
	kit.RegisterMCPTool(srv, tool, kit.Logging(p.logger, "docpipe_extract")(endpoint), kit.DecodeJSON[pathRequest]())
}

// --- archive ---

func (p *Pipeline) registerArchiveTool(srv *mcp.Server, root string) {
	tool := &mcp.Tool{
		Name:        "docpipe_extract_archive",
		Description: "Extract the text of every document in a tender zip, including nested zips.",
		InputSchema: kit.InputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Archive path"},
		}, []string{"path"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		path, err := confine(root, req.(*pathRequest).Path)
		if err != nil {
			return nil, err
		}
		return p.ExtractArchive(ctx, path)
	}
	kit.RegisterMCPTool(srv, tool, kit.Logging(p.logger, "docpipe_extract_archive")(endpoint), kit.DecodeJSON[pathRequest]())
}
