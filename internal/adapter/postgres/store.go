package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opline/opline/internal/domain"
	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/port/checkpoint"
)

// Store implements checkpoint.Store on PostgreSQL. The whole manifest is
// stored as a jsonb document; status, name, and expiry are mirrored into
// columns for filtering.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ checkpoint.Store = (*Store)(nil)

// Save inserts or version-checked-updates the manifest. A mismatch between
// the manifest's Version and the stored row is domain.ErrConflict.
func (s *Store) Save(ctx context.Context, m *workflow.Manifest) error {
	prev := m.Version
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(m)
	if err != nil {
		m.Version = prev
		return fmt.Errorf("marshal manifest %s: %w", m.WorkflowID, err)
	}

	if prev == 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO workflows (id, name, status, manifest, version, created_at, updated_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.WorkflowID, m.Definition.Name, string(m.Status), doc, m.Version, m.CreatedAt, m.UpdatedAt, m.ExpiresAt)
		if err != nil {
			m.Version = prev
			return fmt.Errorf("insert workflow %s: %w", m.WorkflowID, err)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET status = $2, manifest = $3, version = $4, updated_at = $5
		 WHERE id = $1 AND version = $6`,
		m.WorkflowID, string(m.Status), doc, m.Version, m.UpdatedAt, prev)
	if err != nil {
		m.Version = prev
		return fmt.Errorf("update workflow %s: %w", m.WorkflowID, err)
	}
	if tag.RowsAffected() == 0 {
		m.Version = prev
		return fmt.Errorf("update workflow %s: %w", m.WorkflowID, domain.ErrConflict)
	}
	return nil
}

// Load returns the manifest for workflowID. Expired manifests are reported
// as domain.ErrNotFound.
func (s *Store) Load(ctx context.Context, workflowID string) (*workflow.Manifest, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT manifest FROM workflows WHERE id = $1 AND expires_at > now()`, workflowID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}

	var m workflow.Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	return &m, nil
}

// List returns non-expired manifests matching the filter, most recent first.
func (s *Store) List(ctx context.Context, f checkpoint.Filter) ([]*workflow.Manifest, error) {
	query := `SELECT manifest FROM workflows WHERE expires_at > now()`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Name != "" {
		args = append(args, f.Name)
		query += fmt.Sprintf(" AND name = $%d", len(args))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Manifest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var m workflow.Manifest
		if err := json.Unmarshal(doc, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Delete removes the manifest. Deleting a missing workflow is not an error.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", workflowID, err)
	}
	return nil
}

// Sweep permanently removes expired manifests, returning how many.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep workflows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
