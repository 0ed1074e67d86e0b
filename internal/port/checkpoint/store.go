// Package checkpoint defines the port interface for durable workflow
// manifest storage.
package checkpoint

import (
	"context"

	"github.com/opline/opline/internal/domain/workflow"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status workflow.Status
	Name   string
}

// Store persists workflow manifests keyed by workflow id. Writes are
// whole-manifest replacements; the store never interprets manifest contents.
//
// Save must reject a manifest whose Version does not match the stored one
// with domain.ErrConflict, so racing resumptions are detected rather than
// silently last-writer-wins. Load must treat a manifest past its ExpiresAt
// as domain.ErrNotFound; Sweep removes such manifests permanently.
type Store interface {
	Save(ctx context.Context, m *workflow.Manifest) error
	Load(ctx context.Context, workflowID string) (*workflow.Manifest, error)
	List(ctx context.Context, f Filter) ([]*workflow.Manifest, error)
	Delete(ctx context.Context, workflowID string) error
	Sweep(ctx context.Context) (int, error)
}
