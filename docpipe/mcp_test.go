package docpipe

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "docpipe-test", Version: "0.1.0"}

func mcpSession(t *testing.T, root string) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	if err := New(Config{}).RegisterMCP(srv, root); err != nil {
		t.Fatal(err)
	}

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, error) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	// Tool errors come back as a result flagged IsError, not as a call error.
	if result.IsError {
		return "", errors.New(tc.Text)
	}
	return tc.Text, nil
}

func TestMCP_Extract(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "aviso.txt", "Aviso de licitação\n\nAbertura em 10/05")
	session := mcpSession(t, root)

	text, err := mcpCall(t, session, "docpipe_extract", map[string]any{"path": "aviso.txt"})
	if err != nil {
		t.Fatal(err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Format != FormatTXT || len(doc.Blocks) != 2 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestMCP_ExtractArchive(t *testing.T) {
	root := t.TempDir()
	writeZip(t, filepath.Join(root, "cesan.zip"), [][2]string{
		{"edital.txt", "Edital"},
		{"planta.dwg", "x"},
	})
	session := mcpSession(t, root)

	text, err := mcpCall(t, session, "docpipe_extract_archive", map[string]any{"path": filepath.Join(root, "cesan.zip")})
	if err != nil {
		t.Fatal(err)
	}
	var b Bundle
	if err := json.Unmarshal([]byte(text), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(b.Documents) != 1 || len(b.Skipped) != 1 {
		t.Errorf("bundle = %+v", b)
	}
}

func TestMCP_PathConfined(t *testing.T) {
	// WHAT: Paths outside the root are refused.
	// WHY: The MCP client is not trusted with the whole filesystem.
	session := mcpSession(t, t.TempDir())
	for _, p := range []string{"../secret.txt", "/etc/hosts", ""} {
		for _, tool := range []string{"docpipe_extract", "docpipe_extract_archive"} {
			_, err := mcpCall(t, session, tool, map[string]any{"path": p})
			if err == nil {
				t.Errorf("%s(%q): expected error", tool, p)
			}
		}
	}
}

func TestMCP_MissingFile(t *testing.T) {
	session := mcpSession(t, t.TempDir())
	_, err := mcpCall(t, session, "docpipe_extract", map[string]any{"path": "nope.txt"})
	if err == nil || !strings.Contains(err.Error(), "no such file") {
		t.Errorf("err = %v", err)
	}
}
