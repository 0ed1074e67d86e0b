// Package natskv implements the checkpoint store port on a NATS JetStream
// KeyValue bucket, for deployments that already run NATS and want workflow
// state shared across hosts.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/opline/opline/internal/config"
	"github.com/opline/opline/internal/domain"
	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/port/checkpoint"
)

// Store persists manifests as JSON documents in a KV bucket, one key per
// workflow id. Concurrent saves are serialized with compare-and-swap on the
// KV revision; a stale manifest version is domain.ErrConflict.
type Store struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// Connect dials NATS, ensures the bucket exists, and returns a Store.
func Connect(ctx context.Context, cfg config.NATS) (*Store, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: 1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	return &Store{nc: nc, kv: kv}, nil
}

// New wraps an existing KeyValue bucket, mainly for tests.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Close drops the NATS connection.
func (s *Store) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

var _ checkpoint.Store = (*Store)(nil)

// Save writes the manifest with compare-and-swap on the bucket revision.
// The manifest's Version must match the stored one; on success it is bumped.
func (s *Store) Save(ctx context.Context, m *workflow.Manifest) error {
	entry, err := s.kv.Get(ctx, m.WorkflowID)
	switch {
	case err == nil:
		var current workflow.Manifest
		if err := json.Unmarshal(entry.Value(), &current); err != nil {
			return fmt.Errorf("decode stored workflow %s: %w", m.WorkflowID, err)
		}
		if current.Version != m.Version {
			return fmt.Errorf("save %s: stored version %d, got %d: %w",
				m.WorkflowID, current.Version, m.Version, domain.ErrConflict)
		}
	case errors.Is(err, jetstream.ErrKeyNotFound):
		if m.Version != 0 {
			return fmt.Errorf("save %s: manifest not stored yet: %w", m.WorkflowID, domain.ErrConflict)
		}
	default:
		return fmt.Errorf("load stored workflow %s: %w", m.WorkflowID, err)
	}

	m.Version++
	m.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(m)
	if err != nil {
		m.Version--
		return fmt.Errorf("marshal manifest %s: %w", m.WorkflowID, err)
	}

	if entry == nil {
		_, err = s.kv.Create(ctx, m.WorkflowID, doc)
	} else {
		_, err = s.kv.Update(ctx, m.WorkflowID, doc, entry.Revision())
	}
	if err != nil {
		m.Version--
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("save %s: %w", m.WorkflowID, domain.ErrConflict)
		}
		return fmt.Errorf("save %s: %w", m.WorkflowID, err)
	}
	return nil
}

// Load returns the manifest for workflowID. Expired manifests are reported
// as domain.ErrNotFound.
func (s *Store) Load(ctx context.Context, workflowID string) (*workflow.Manifest, error) {
	entry, err := s.kv.Get(ctx, workflowID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}

	var m workflow.Manifest
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	if m.Expired(time.Now()) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
	}
	return &m, nil
}

// List returns non-expired manifests matching the filter. Keys with corrupt
// values are skipped.
func (s *Store) List(ctx context.Context, f checkpoint.Filter) ([]*workflow.Manifest, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	var out []*workflow.Manifest
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var m workflow.Manifest
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			continue
		}
		if m.Expired(time.Now()) {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Name != "" && m.Definition.Name != f.Name {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// Delete removes the manifest. Deleting a missing workflow is not an error.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	err := s.kv.Purge(ctx, workflowID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", workflowID, err)
	}
	return nil
}

// Sweep permanently removes expired manifests, returning how many.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("sweep workflows: %w", err)
	}

	removed := 0
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var m workflow.Manifest
		if err := json.Unmarshal(entry.Value(), &m); err == nil && !m.Expired(time.Now()) {
			continue
		}
		if err := s.kv.Purge(ctx, key); err == nil {
			removed++
		}
	}
	return removed, nil
}
