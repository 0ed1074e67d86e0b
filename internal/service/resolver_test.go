package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opline/opline/internal/config"
	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
)

// fixtureHandler is a configurable handler for protocol tests.
type fixtureHandler struct {
	mu        sync.Mutex
	execCount int
	failures  int // fail this many executions before succeeding
	digest    string
	payload   map[string]any
	next      []token.NextAction
}

func (h *fixtureHandler) Execute(_ context.Context, _ map[string]any) (*action.Output, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execCount++
	if h.failures > 0 {
		h.failures--
		return nil, context.DeadlineExceeded
	}
	return &action.Output{Payload: h.payload, ContextDigest: h.digest, NextActions: h.next}, nil
}

func (h *fixtureHandler) CurrentDigest(_ context.Context, _ map[string]any) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.digest, nil
}

func (h *fixtureHandler) executions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execCount
}

func testCodec(t *testing.T) *token.Codec {
	t.Helper()
	c, err := token.New(config.Token{Secret: "test-secret", TTL: time.Hour, MaxEncodedBytes: 4096})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testRegistry(t *testing.T, analyze, apply *fixtureHandler) *action.Registry {
	t.Helper()
	r := action.NewRegistry()
	regs := []struct {
		d action.Descriptor
		h action.Handler
	}{
		{action.Descriptor{Command: "search", Action: "analyze", Label: "Analyze"}, analyze},
		{action.Descriptor{Command: "search", Action: "trace", Label: "Trace"}, analyze},
		{action.Descriptor{Command: "edit", Action: "apply", Label: "Apply", Guarded: true}, apply},
	}
	for _, reg := range regs {
		if err := r.Register(reg.d, reg.h); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func testResolver(t *testing.T, analyze, apply *fixtureHandler) (*ResolverService, *token.Codec) {
	t.Helper()
	codec := testCodec(t)
	svc, err := NewResolverService(codec, testRegistry(t, analyze, apply), nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	return svc, codec
}

func TestInvokeMintsContinuations(t *testing.T) {
	analyze := &fixtureHandler{
		payload: map[string]any{"count": float64(1)},
		next:    []token.NextAction{{ID: "trace", Label: "Trace callers"}},
	}
	svc, codec := testResolver(t, analyze, &fixtureHandler{})

	env, err := svc.Invoke(context.Background(), "search", "analyze", map[string]any{"pattern": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != StatusSuccess {
		t.Fatalf("unexpected envelope %+v", env)
	}
	tok, ok := env.Continuations["trace"]
	if !ok {
		t.Fatal("no continuation minted for trace")
	}
	claims, err := codec.Validate(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Command != "search" || !claims.Permits("trace") {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestResolveActionNotOffered(t *testing.T) {
	analyze := &fixtureHandler{next: []token.NextAction{{ID: "trace"}}}
	svc, codec := testResolver(t, analyze, &fixtureHandler{})

	// "extract" exists nowhere in the token's menu.
	encoded, err := codec.Mint(codec.NewClaims("search", "analyze", "", nil, []token.NextAction{{ID: "trace"}}))
	if err != nil {
		t.Fatal(err)
	}

	env, err := svc.Resolve(context.Background(), encoded, "extract", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Failure != FailActionNotPermitted {
		t.Errorf("expected action_not_permitted, got %+v", env)
	}
}

func TestRegistryAuthoritativeOverTokenMenu(t *testing.T) {
	analyze := &fixtureHandler{}
	svc, codec := testResolver(t, analyze, &fixtureHandler{})

	// The token offers an action the registry no longer knows (binary
	// upgraded between mint and consume).
	encoded, err := codec.Mint(codec.NewClaims("search", "analyze", "", nil, []token.NextAction{{ID: "removed"}}))
	if err != nil {
		t.Fatal(err)
	}

	env, err := svc.Resolve(context.Background(), encoded, "removed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Failure != FailActionNotPermitted {
		t.Errorf("expected action_not_permitted for unregistered action, got %+v", env)
	}
	if analyze.executions() != 0 {
		t.Error("handler ran for an unregistered action")
	}
}

func TestResolveExpiredBundlesReissue(t *testing.T) {
	analyze := &fixtureHandler{payload: map[string]any{"ok": true}}
	svc, codec := testResolver(t, analyze, &fixtureHandler{})

	now := time.Now()
	encoded, err := codec.Mint(token.Claims{
		Command:     "search",
		Action:      "analyze",
		IssuedAt:    now.Add(-2 * time.Hour).Unix(),
		ExpiresAt:   now.Add(-3601 * time.Second).Unix(),
		NextActions: []token.NextAction{{ID: "trace"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	env, err := svc.Resolve(context.Background(), encoded, "trace", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Failure != FailExpired {
		t.Fatalf("expected expired, got %+v", env)
	}
	reissued := env.Continuations[ReissueContinuation]
	if reissued == "" {
		t.Fatal("expired envelope carries no reissue token")
	}

	// The re-issued token gets a fresh full-length window and works.
	env, err = svc.Resolve(context.Background(), reissued, "trace", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != StatusSuccess {
		t.Errorf("reissued token did not resolve: %+v", env)
	}
}

func TestGuardedRequiresConfirmation(t *testing.T) {
	apply := &fixtureHandler{digest: "d1", payload: map[string]any{"applied": true}}
	svc, codec := testResolver(t, &fixtureHandler{}, apply)

	encoded, err := codec.Mint(codec.NewClaims("edit", "preview", "", map[string]any{"file": "a.go"},
		[]token.NextAction{{ID: "apply", Guarded: true}}))
	if err != nil {
		t.Fatal(err)
	}

	env, err := svc.Resolve(context.Background(), encoded, "apply", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Failure != FailConfirmationRequired {
		t.Fatalf("expected confirmation_required, got %+v", env)
	}
	if apply.executions() != 0 {
		t.Fatal("guarded handler ran without confirmation")
	}

	env, err = svc.Resolve(context.Background(), encoded, "apply", map[string]any{action.ConfirmParam: true})
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != StatusSuccess {
		t.Errorf("confirmed resolve failed: %+v", env)
	}
	if apply.executions() != 1 {
		t.Errorf("expected 1 execution, got %d", apply.executions())
	}
}

func TestStaleDigestWarnsWithReissue(t *testing.T) {
	analyze := &fixtureHandler{digest: "digest-new", payload: map[string]any{"ok": true}}
	svc, codec := testResolver(t, analyze, &fixtureHandler{})

	// Token minted against the old digest; the live resource has moved on.
	encoded, err := codec.Mint(codec.NewClaims("search", "analyze", "digest-old", nil,
		[]token.NextAction{{ID: "trace"}}))
	if err != nil {
		t.Fatal(err)
	}

	env, err := svc.Resolve(context.Background(), encoded, "trace", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != StatusWarning || env.Failure != FailResultsStale {
		t.Fatalf("expected results_stale warning, got %+v", env)
	}
	reissued := env.Continuations[ReissueContinuation]
	if reissued == "" {
		t.Fatal("stale envelope carries no reissue token")
	}

	// The reissue token is bound to the current digest and resolves cleanly.
	env, err = svc.Resolve(context.Background(), reissued, "trace", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != StatusSuccess {
		t.Errorf("reissued token still stale: %+v", env)
	}
}

func TestResolveReplayIsIdempotent(t *testing.T) {
	apply := &fixtureHandler{digest: "d1", payload: map[string]any{"applied": true}}
	svc, codec := testResolver(t, &fixtureHandler{}, apply)

	encoded, err := codec.Mint(codec.NewClaims("edit", "preview", "d1", map[string]any{"file": "a.go"},
		[]token.NextAction{{ID: "apply", Guarded: true}}))
	if err != nil {
		t.Fatal(err)
	}
	extra := map[string]any{action.ConfirmParam: true}

	first, err := svc.Resolve(context.Background(), encoded, "apply", extra)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusSuccess {
		t.Fatalf("first resolve failed: %+v", first)
	}

	// The apply mutated the resource; its digest changed. Replaying the
	// exact same resolve must return the recorded result, not re-run the
	// handler and not report staleness.
	apply.digest = "d2"
	second, err := svc.Resolve(context.Background(), encoded, "apply", extra)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusSuccess {
		t.Fatalf("replayed resolve failed: %+v", second)
	}
	if apply.executions() != 1 {
		t.Errorf("guarded handler ran %d times, want 1", apply.executions())
	}
}

func TestHandlerErrorIsRetryable(t *testing.T) {
	flaky := &fixtureHandler{failures: 1, payload: map[string]any{"ok": true}}
	svc, _ := testResolver(t, flaky, &fixtureHandler{})

	env, err := svc.Invoke(context.Background(), "search", "analyze", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Failure != FailHandlerError || !env.Retryable {
		t.Fatalf("expected retryable handler_error, got %+v", env)
	}

	env, err = svc.Invoke(context.Background(), "search", "analyze", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != StatusSuccess {
		t.Errorf("retry with identical input failed: %+v", env)
	}
}
