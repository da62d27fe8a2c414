package search

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pictrace/pictrace/kit"
)

// RegisterMCP registers the pictrace tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSearchTool(srv)
	s.registerTaskStatusTool(srv)
	s.registerStatusTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

// --- search ---

func (s *Service) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pictrace_search",
		Description: "Submit a reverse-image search for a public HTTPS image URL. Returns cached results immediately when available, otherwise a task to poll.",
		InputSchema: inputSchema(map[string]any{
			"image_url":    map[string]any{"type": "string", "description": "Public HTTPS URL of the image"},
			"content_hash": map[string]any{"type": "string", "description": "Optional SHA-256 of the image content, lowercase hex"},
			"caller_id":    map[string]any{"type": "string", "description": "Optional caller identity for quota accounting"},
		}, []string{"image_url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Search(ctx, *req.(*Request))
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r Request
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- task status ---

type taskStatusReq struct {
	TaskID string `json:"task_id"`
}

func (s *Service) registerTaskStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pictrace_task_status",
		Description: "Poll a previously submitted search task for results.",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Task ID returned by pictrace_search"},
		}, []string{"task_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.TaskStatus(ctx, req.(*taskStatusReq).TaskID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r taskStatusReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- status ---

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pictrace_status",
		Description: "Report circuit breaker state and in-flight deduplication entries.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{
			"breaker":   s.brk.Stats(),
			"in_flight": s.InFlight(),
		}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
