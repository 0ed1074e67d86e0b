package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opline/opline/internal/adapter/fsstore"
	"github.com/opline/opline/internal/adapter/ws"
	"github.com/opline/opline/internal/config"
	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
	"github.com/opline/opline/internal/service"
)

type stubHandler struct {
	payload map[string]any
	next    []token.NextAction
}

func (h *stubHandler) Execute(context.Context, map[string]any) (*action.Output, error) {
	return &action.Output{Payload: h.payload, NextActions: h.next}, nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	codec, err := token.New(config.Token{Secret: "test", TTL: time.Hour, MaxEncodedBytes: 2048})
	if err != nil {
		t.Fatal(err)
	}

	reg := action.NewRegistry()
	if err := reg.Register(action.Descriptor{
		Command: "search", Action: "analyze", Label: "Find pattern matches",
	}, &stubHandler{
		payload: map[string]any{"count": float64(1)},
		next:    []token.NextAction{{ID: "extract", Label: "Read one file"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(action.Descriptor{
		Command: "search", Action: "extract", Label: "Read one file",
	}, &stubHandler{
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

	r := chi.NewRouter()
	MountRoutes(r, NewHandlers(resolver, engine), ws.NewHub())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) *service.Envelope {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env service.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return &env
}

func TestInvokeThenResolveContinuation(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/operations/search/analyze", map[string]any{
		"params": map[string]any{"pattern": "x"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke returned %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	tok := env.Continuations["extract"]
	if tok == "" {
		t.Fatalf("no extract continuation in %+v", env)
	}

	resp = postJSON(t, srv.URL+"/api/v1/continuations", map[string]any{
		"token": tok, "action": "extract",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve returned %d", resp.StatusCode)
	}
	env = decodeEnvelope(t, resp)
	if env.Payload["content"] != "hello" {
		t.Errorf("unexpected payload %+v", env.Payload)
	}
}

func TestResolveMalformedTokenIsBadRequest(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/continuations", map[string]any{
		"token": "not-a-token", "action": "extract",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Failure != service.FailMalformed {
		t.Errorf("expected malformed, got %q", env.Failure)
	}
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	srv := testServer(t)

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
	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{"definition": definition})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	var m struct {
		WorkflowID string `json:"workflow_id"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if m.Status != "awaiting-checkpoint" {
		t.Fatalf("expected awaiting-checkpoint, got %q", m.Status)
	}

	resp = postJSON(t, srv.URL+"/api/v1/workflows/"+m.WorkflowID+"/resume", map[string]any{
		"step_id": "gate", "option_id": "go",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if m.Status != "completed" {
		t.Errorf("expected completed, got %q", m.Status)
	}

	resp, err := http.Get(srv.URL + "/api/v1/workflows/" + m.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get returned %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestGetUnknownWorkflowIsNotFound(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/workflows/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
