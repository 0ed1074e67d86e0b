package ops

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opline/opline/internal/config"
	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
	"github.com/opline/opline/internal/service"
)

func testWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"main.go":  "package main\n\nfunc OldName() {}\n",
		"other.go": "package main\n\n// OldName is used here\nvar _ = OldName\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func testResolver(t *testing.T, root string) *service.ResolverService {
	t.Helper()
	codec, err := token.New(config.Token{Secret: "test", TTL: time.Hour, MaxEncodedBytes: 8192})
	if err != nil {
		t.Fatal(err)
	}
	reg := action.NewRegistry()
	if err := Register(reg, root); err != nil {
		t.Fatal(err)
	}
	svc, err := service.NewResolverService(codec, reg, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestAnalyzeFindsMatches(t *testing.T) {
	root := testWorkspace(t)
	svc := testResolver(t, root)

	env, err := svc.Invoke(context.Background(), "search", "analyze", map[string]any{"pattern": "OldName"})
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != service.StatusSuccess {
		t.Fatalf("analyze failed: %+v", env)
	}
	if env.Payload["count"].(float64) != 3 {
		t.Errorf("expected 3 matches, got %v", env.Payload["count"])
	}
	if env.Continuations["trace"] == "" || env.Continuations["extract"] == "" {
		t.Errorf("missing continuations: %v", env.Continuations)
	}
}

func TestPreviewThenApply(t *testing.T) {
	root := testWorkspace(t)
	svc := testResolver(t, root)
	ctx := context.Background()

	env, err := svc.Invoke(ctx, "edit", "preview", map[string]any{
		"file": "main.go", "find": "OldName", "replace": "NewName",
	})
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != service.StatusSuccess {
		t.Fatalf("preview failed: %+v", env)
	}
	applyTok := env.Continuations["apply"]
	if applyTok == "" {
		t.Fatal("preview minted no apply continuation")
	}

	// Guarded apply without confirmation is refused.
	env, err = svc.Resolve(ctx, applyTok, "apply", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Failure != service.FailConfirmationRequired {
		t.Fatalf("expected confirmation_required, got %+v", env)
	}

	env, err = svc.Resolve(ctx, applyTok, "apply", map[string]any{action.ConfirmParam: true})
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != service.StatusSuccess {
		t.Fatalf("confirmed apply failed: %+v", env)
	}

	data, err := os.ReadFile(filepath.Join(root, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "package main\n\nfunc NewName() {}\n" {
		t.Errorf("file not rewritten: %q", data)
	}
}

func TestApplyDetectsStaleFile(t *testing.T) {
	root := testWorkspace(t)
	svc := testResolver(t, root)
	ctx := context.Background()

	env, err := svc.Invoke(ctx, "edit", "preview", map[string]any{
		"file": "main.go", "find": "OldName", "replace": "NewName",
	})
	if err != nil {
		t.Fatal(err)
	}
	applyTok := env.Continuations["apply"]

	// Someone else edits the file between preview and apply.
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc Changed() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	env, err = svc.Resolve(ctx, applyTok, "apply", map[string]any{action.ConfirmParam: true})
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != service.StatusWarning || env.Failure != service.FailResultsStale {
		t.Fatalf("expected results_stale warning, got %+v", env)
	}
	if env.Continuations[service.ReissueContinuation] == "" {
		t.Error("stale warning carries no reissue token")
	}
}
