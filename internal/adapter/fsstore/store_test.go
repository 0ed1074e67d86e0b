package fsstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opline/opline/internal/domain"
	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/port/checkpoint"
)

func newManifest(id string) *workflow.Manifest {
	now := time.Now().UTC()
	return &workflow.Manifest{
		WorkflowID: id,
		Definition: workflow.Definition{Name: "test", Steps: []workflow.Step{{ID: "s", Type: workflow.StepOperation, Command: "search", Action: "analyze"}}},
		Status:     workflow.StatusRunning,
		Bindings:   map[string]any{"params": map[string]any{}},
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m := newManifest("wf-1")
	if err := s.Save(ctx, m); err != nil {
		t.Fatal(err)
	}
	if m.Version != 1 {
		t.Errorf("expected version bump to 1, got %d", m.Version)
	}

	got, err := s.Load(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkflowID != "wf-1" || got.Status != workflow.StatusRunning || got.Version != 1 {
		t.Errorf("unexpected manifest %+v", got)
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Load(context.Background(), "absent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m := newManifest("wf-1")
	if err := s.Save(ctx, m); err != nil {
		t.Fatal(err)
	}

	stale := newManifest("wf-1") // version 0, but store holds version 1
	err = s.Save(ctx, stale)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict for stale save, got %v", err)
	}
}

func TestWorkflowsAreIsolated(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a := newManifest("wf-a")
	a.Bindings["step"] = map[string]any{"who": "a"}
	b := newManifest("wf-b")
	b.Bindings["step"] = map[string]any{"who": "b"}
	if err := s.Save(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, b); err != nil {
		t.Fatal(err)
	}

	gotA, err := s.Load(ctx, "wf-a")
	if err != nil {
		t.Fatal(err)
	}
	gotB, err := s.Load(ctx, "wf-b")
	if err != nil {
		t.Fatal(err)
	}
	if gotA.Bindings["step"].(map[string]any)["who"] != "a" ||
		gotB.Bindings["step"].(map[string]any)["who"] != "b" {
		t.Error("workflows observed each other's bindings")
	}
}

func TestExpiredUnloadableAndSwept(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m := newManifest("wf-old")
	m.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.Save(ctx, m); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(ctx, "wf-old"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired manifest should be unloadable, got %v", err)
	}

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept manifest, got %d", n)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	running := newManifest("wf-running")
	waiting := newManifest("wf-waiting")
	waiting.Status = workflow.StatusAwaitingCheckpoint
	if err := s.Save(ctx, running); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, waiting); err != nil {
		t.Fatal(err)
	}

	got, err := s.List(ctx, checkpoint.Filter{Status: workflow.StatusAwaitingCheckpoint})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].WorkflowID != "wf-waiting" {
		t.Errorf("unexpected listing %+v", got)
	}
}
