// Package fsstore implements the checkpoint store port on the local
// filesystem: one JSON document per workflow id, written atomically.
package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opline/opline/internal/domain"
	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/port/checkpoint"
)

// Store persists manifests under a directory, one file per workflow id.
// Corruption of one workflow's file cannot affect another's.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates the directory if needed and returns a Store.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the manifest as a whole-file replacement via temp file and
// rename. The manifest's Version must match the stored one; on success the
// version is bumped.
func (s *Store) Save(_ context.Context, m *workflow.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(m.WorkflowID)

	current, err := readManifest(path)
	switch {
	case err == nil:
		if current.Version != m.Version {
			return fmt.Errorf("save %s: stored version %d, got %d: %w",
				m.WorkflowID, current.Version, m.Version, domain.ErrConflict)
		}
	case errors.Is(err, os.ErrNotExist):
		if m.Version != 0 {
			return fmt.Errorf("save %s: manifest not stored yet: %w", m.WorkflowID, domain.ErrConflict)
		}
	default:
		return err
	}

	m.Version++
	m.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		m.Version--
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.Version--
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		m.Version--
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Load returns the manifest for the workflow id. Expired manifests are
// unloadable and reported as not found.
func (s *Store) Load(_ context.Context, workflowID string) (*workflow.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := readManifest(s.path(workflowID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
		}
		return nil, err
	}
	if m.Expired(time.Now()) {
		return nil, fmt.Errorf("workflow %s expired: %w", workflowID, domain.ErrNotFound)
	}
	return m, nil
}

// List returns all non-expired manifests matching the filter.
func (s *Store) List(_ context.Context, f checkpoint.Filter) ([]*workflow.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	now := time.Now()
	var out []*workflow.Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		m, err := readManifest(filepath.Join(s.dir, e.Name()))
		if err != nil {
			// One corrupt file must not poison the listing.
			continue
		}
		if m.Expired(now) {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Name != "" && m.Definition.Name != f.Name {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes the manifest file. Deleting a missing manifest is not an
// error.
func (s *Store) Delete(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(workflowID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete manifest: %w", err)
	}
	return nil
}

// Sweep removes all expired manifests and returns how many were discarded.
func (s *Store) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read store dir: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		m, err := readManifest(path)
		if err != nil || m.Expired(now) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) path(workflowID string) string {
	return filepath.Join(s.dir, workflowID+".json")
}

func readManifest(path string) (*workflow.Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths are store-internal
	if err != nil {
		return nil, err
	}
	var m workflow.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}
