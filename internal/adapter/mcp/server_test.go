package mcp_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/opline/opline/internal/adapter/fsstore"
	oplinemcp "github.com/opline/opline/internal/adapter/mcp"
	"github.com/opline/opline/internal/config"
	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/service"
)

type echoHandler struct {
	payload map[string]any
	next    []token.NextAction
}

func (h *echoHandler) Execute(context.Context, map[string]any) (*action.Output, error) {
	return &action.Output{Payload: h.payload, NextActions: h.next}, nil
}

func testMCPServer(t *testing.T) *oplinemcp.Server {
	t.Helper()

	codec, err := token.New(config.Token{Secret: "test", TTL: time.Hour, MaxEncodedBytes: 2048})
	if err != nil {
		t.Fatal(err)
	}

	reg := action.NewRegistry()
	if err := reg.Register(action.Descriptor{
		Command: "search", Action: "analyze", Label: "Find pattern matches",
	}, &echoHandler{
		payload: map[string]any{"count": float64(2)},
		next:    []token.NextAction{{ID: "extract", Label: "Read one file"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(action.Descriptor{
		Command: "search", Action: "extract", Label: "Read one file",
	}, &echoHandler{
		payload: map[string]any{"content": "hello"},
	}); err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.DiscardHandler)
	resolver, err := service.NewResolverService(codec, reg, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(resolver.Close)

	store, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine, err := service.NewEngineService(resolver, store,
		config.Workflow{Retention: time.Hour, MaxRetries: 1, LoopParallelism: 1}, nil, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)

	return oplinemcp.NewServer(oplinemcp.ServerConfig{Name: "test", Version: "0.1.0"}, resolver, engine)
}

func callTool(t *testing.T, s *oplinemcp.Server, name string, args map[string]any) string {
	t.Helper()
	tool, ok := s.Tools()[name]
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}
	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	return text.Text
}

func TestToolRegistration(t *testing.T) {
	s := testMCPServer(t)

	expected := []string{"run_operation", "continue_operation", "run_workflow", "resume_workflow", "list_workflows"}
	if len(s.Tools()) != len(expected) {
		t.Fatalf("expected %d tools, got %d", len(expected), len(s.Tools()))
	}
	for _, name := range expected {
		if _, ok := s.Tools()[name]; !ok {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestRunThenContinueOperation(t *testing.T) {
	s := testMCPServer(t)

	out := callTool(t, s, "run_operation", map[string]any{
		"command": "search",
		"action":  "analyze",
		"params":  map[string]any{"pattern": "x"},
	})
	var env service.Envelope
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatal(err)
	}
	tok := env.Continuations["extract"]
	if tok == "" {
		t.Fatalf("no extract continuation in %+v", env)
	}

	out = callTool(t, s, "continue_operation", map[string]any{
		"token":  tok,
		"action": "extract",
	})
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatal(err)
	}
	if env.Payload["content"] != "hello" {
		t.Errorf("unexpected payload %+v", env.Payload)
	}
}

func TestRunAndResumeWorkflow(t *testing.T) {
	s := testMCPServer(t)

	definition := `
name: gated
steps:
  - id: find
    type: operation
    command: search
    action: analyze
  - id: gate
    type: checkpoint
    prompt: Continue?
    options:
      - id: go
        label: Continue
      - id: stop
        label: Abort
        abort: true
`
	out := callTool(t, s, "run_workflow", map[string]any{"definition": definition})
	var m workflow.Manifest
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatal(err)
	}
	if m.Status != workflow.StatusAwaitingCheckpoint {
		t.Fatalf("expected awaiting-checkpoint, got %s", m.Status)
	}

	out = callTool(t, s, "resume_workflow", map[string]any{
		"workflow_id": m.WorkflowID,
		"step_id":     "gate",
		"option_id":   "go",
	})
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatal(err)
	}
	if m.Status != workflow.StatusCompleted {
		t.Errorf("expected completed, got %s", m.Status)
	}

	out = callTool(t, s, "list_workflows", nil)
	var list []workflow.Manifest
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 workflow, got %d", len(list))
	}
}

func TestRunOperationMissingArgs(t *testing.T) {
	s := testMCPServer(t)

	tool := s.Tools()["run_operation"]
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: "run_operation"},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result for missing arguments")
	}
}
