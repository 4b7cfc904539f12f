// Package store implements the Resilient Store: a typed key-value snapshot
// persisted as a single JSON document per namespace, with atomic replace
// and torn-write recovery via a sibling backup file.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/state"
)

// CurrentSchemaVersion is written into every saved envelope.
const CurrentSchemaVersion = 1

// envelope wraps the caller's payload with a schema version so future
// migrations can detect and upgrade older documents.
type envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// Store is a namespaced Resilient Store. Store is not safe for concurrent
// writes to the same namespace; callers serialize writes (§4.1). backend is
// held as the state.PersistenceBackend interface rather than the concrete
// FileBackend so tests can substitute a fake without touching a filesystem.
type Store struct {
	backend   state.PersistenceBackend
	namespace string
}

// New opens a Store whose document is dataDir/<namespace>.json. dataDir is
// created if necessary.
func New(dataDir, namespace string) (*Store, error) {
	backend, err := state.NewFileBackend(dataDir)
	if err != nil {
		return nil, err
	}
	return &Store{backend: backend, namespace: namespace}, nil
}

// Load decodes the persisted document into out. It returns (false, nil) if
// no document exists or the document could not be parsed — callers treat
// that as "empty state" per §4.1, not a fatal error. The backup copy is
// read only when the backend finds the primary missing, empty or
// unreadable; a non-empty primary that fails to parse is not retried
// against the backup.
func (s *Store) Load(ctx context.Context, out interface{}) (bool, error) {
	raw, err := s.backend.Load(ctx, s.namespace)
	if err != nil {
		if err == state.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Malformed document; treat as empty state rather than propagating,
		// per §4.1 ("a truncated or malformed file is discarded").
		return false, nil
	}
	if len(env.Data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, nil
	}
	return true, nil
}

// Save atomically replaces the document for this namespace.
func (s *Store) Save(ctx context.Context, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	env := envelope{SchemaVersion: CurrentSchemaVersion, Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.backend.Save(ctx, s.namespace, raw)
}

// Close releases backend resources.
func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}
