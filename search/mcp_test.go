package search

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pictrace/pictrace/kv"
	"github.com/pictrace/pictrace/provider"
)

var testMCPImpl = &mcp.Implementation{Name: "pictrace-test", Version: "0.1.0"}

func mcpSession(t *testing.T, fp *fakeProvider) *mcp.ClientSession {
	t.Helper()
	svc := NewService(kv.NewMemory(), fp)
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

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

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func TestMCP_Search(t *testing.T) {
	session := mcpSession(t, readyProvider(testResult()))

	text := mcpCallTool(t, session, "pictrace_search", map[string]any{
		"image_url": "https://images.example/cat.jpg",
		"caller_id": "mcp-client",
	})

	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Status != StatusReady || res.TaskID != "task-1" {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Results) != 1 || res.Results[0].PageURL != "https://example.com/page" {
		t.Fatalf("results: %+v", res.Results)
	}
}

func TestMCP_SearchRejectsUnsafeURL(t *testing.T) {
	session := mcpSession(t, readyProvider(testResult()))

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "pictrace_search",
		Arguments: map[string]any{"image_url": "http://localhost/etc/passwd"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	// A rejected URL is a tool error, reported in-band. GetError always
	// returns nil on clients, so check the marshaled IsError flag.
	if !result.IsError {
		t.Fatal("expected tool error for unsafe URL")
	}
}

func TestMCP_TaskStatus(t *testing.T) {
	fp := &fakeProvider{
		submitFn: func(_ context.Context, _ string) (*provider.Submission, error) {
			return &provider.Submission{TaskID: "task-5"}, nil
		},
		fetchFn: func(_ context.Context, taskID string) (*provider.Fetched, error) {
			return &provider.Fetched{CheckURL: "https://check.example/5"}, nil
		},
	}
	session := mcpSession(t, fp)

	mcpCallTool(t, session, "pictrace_search", map[string]any{
		"image_url": "https://images.example/slow.jpg",
	})
	text := mcpCallTool(t, session, "pictrace_task_status", map[string]any{
		"task_id": "task-5",
	})

	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Status != StatusPending || res.TaskID != "task-5" {
		t.Fatalf("result: %+v", res)
	}
}

func TestMCP_Status(t *testing.T) {
	session := mcpSession(t, readyProvider())

	text := mcpCallTool(t, session, "pictrace_status", map[string]any{})

	var res struct {
		Breaker struct {
			State string `json:"state"`
		} `json:"breaker"`
		InFlight int `json:"in_flight"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Breaker.State != "closed" {
		t.Fatalf("breaker state: %q", res.Breaker.State)
	}
}
