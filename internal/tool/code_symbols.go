package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/agentswarm/orchestrator/internal/lsp"
)

const codeSymbolsDescription = `Look up code symbols, definitions, and references using the project's
language server.

Usage:
- op="workspace": find symbols matching a query anywhere in the project
- op="definition": jump to where a symbol at file:line:character is defined
- op="references": find every call site of a symbol at file:line:character
A worker assigned to a codebase-analysis or review role should reach for this
instead of grepping for a name by hand whenever it needs exact definitions or
call sites rather than textual matches.`

// CodeSymbolsInput is the input for the code_symbols tool.
type CodeSymbolsInput struct {
	Op        string `json:"op"`
	Query     string `json:"query,omitempty"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Character int    `json:"character,omitempty"`
}

// CodeSymbolsTool exposes internal/lsp's workspace/definition/references
// operations as a single worker-callable tool, giving any role whose task
// touches a codebase language-server-accurate symbol lookups instead of
// plain-text search.
type CodeSymbolsTool struct {
	client *lsp.Client
}

// NewCodeSymbolsTool wraps client for use as a worker tool. Returns nil if
// client is nil or disabled, since registering a no-op tool would only
// confuse a worker into calling it and getting empty results back.
func NewCodeSymbolsTool(client *lsp.Client) *CodeSymbolsTool {
	if client == nil || client.IsDisabled() {
		return nil
	}
	return &CodeSymbolsTool{client: client}
}

func (t *CodeSymbolsTool) ID() string          { return "code_symbols" }
func (t *CodeSymbolsTool) Description() string { return codeSymbolsDescription }

func (t *CodeSymbolsTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"op": {"type": "string", "enum": ["workspace", "definition", "references"]},
			"query": {"type": "string", "description": "Symbol name fragment, for op=workspace"},
			"file": {"type": "string", "description": "File path, for op=definition/references"},
			"line": {"type": "integer", "description": "Zero-based line, for op=definition/references"},
			"character": {"type": "integer", "description": "Zero-based column, for op=definition/references"}
		},
		"required": ["op"]
	}`)
}

func (t *CodeSymbolsTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params CodeSymbolsInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	switch params.Op {
	case "workspace":
		symbols, err := t.client.WorkspaceSymbol(ctx, params.Query)
		if err != nil {
			return nil, fmt.Errorf("workspace symbol lookup: %w", err)
		}
		return &Result{
			Title:    fmt.Sprintf("%d symbols matching %q", len(symbols), params.Query),
			Output:   formatSymbols(symbols),
			Metadata: map[string]any{"count": len(symbols)},
		}, nil

	case "definition":
		locs, err := t.client.Definition(ctx, params.File, params.Line, params.Character)
		if err != nil {
			return nil, fmt.Errorf("definition lookup: %w", err)
		}
		return &Result{
			Title:    fmt.Sprintf("%d definition(s)", len(locs)),
			Output:   formatLocations(locs),
			Metadata: map[string]any{"count": len(locs)},
		}, nil

	case "references":
		locs, err := t.client.References(ctx, params.File, params.Line, params.Character, true)
		if err != nil {
			return nil, fmt.Errorf("reference lookup: %w", err)
		}
		return &Result{
			Title:    fmt.Sprintf("%d reference(s)", len(locs)),
			Output:   formatLocations(locs),
			Metadata: map[string]any{"count": len(locs)},
		}, nil

	default:
		return nil, fmt.Errorf("unknown op %q: must be workspace, definition, or references", params.Op)
	}
}

func formatSymbols(symbols []lsp.Symbol) string {
	if len(symbols) == 0 {
		return "No matching symbols"
	}
	var sb strings.Builder
	for _, s := range symbols {
		fmt.Fprintf(&sb, "%s %s at %s:%d:%d\n", s.Kind, s.Name,
			s.Location.URI, s.Location.Range.Start.Line, s.Location.Range.Start.Character)
	}
	return sb.String()
}

func formatLocations(locs []lsp.SymbolLocation) string {
	if len(locs) == 0 {
		return "No results"
	}
	var sb strings.Builder
	for _, l := range locs {
		fmt.Fprintf(&sb, "%s:%d:%d\n", l.URI, l.Range.Start.Line, l.Range.Start.Character)
	}
	return sb.String()
}

func (t *CodeSymbolsTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
