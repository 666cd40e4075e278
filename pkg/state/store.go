// Package state is the workflow state service nodes and the HTTP adapter read and write through.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/storage"
)

// ErrInvalidKey is returned for an empty workflow id or state key
var ErrInvalidKey = errors.New("workflow id and state key are required")

// Store serves versioned workflow state over a storage backend.
// Values are normalized through JSON so every backend returns the same shapes.
type Store struct {
	backend storage.StateStore
	logger  logging.Logger
}

// NewStore creates a state service over backend
func NewStore(backend storage.StateStore, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{
		backend: backend,
		logger:  logger.WithFields(logging.F("component", "state")),
	}
}

func validate(workflowID, key string) error {
	if workflowID == "" || key == "" {
		return ErrInvalidKey
	}
	return nil
}

// normalize round-trips v through JSON, rejecting values that cannot be persisted
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state value is not JSON-serializable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("state value is not JSON-serializable: %w", err)
	}
	return out, nil
}

// Get returns the stored entry, or def with version 0 and Found false when the key is absent
func (s *Store) Get(ctx context.Context, workflowID, key, namespace string, def interface{}) (models.StateEntry, error) {
	if err := validate(workflowID, key); err != nil {
		return models.StateEntry{}, err
	}

	row, err := s.backend.GetState(ctx, workflowID, key, namespace)
	if errors.Is(err, storage.ErrStateNotFound) {
		return models.StateEntry{Value: def}, nil
	}
	if err != nil {
		return models.StateEntry{}, err
	}
	return models.StateEntry{
		Value:         row.Value,
		Version:       row.Version,
		Found:         true,
		LastUpdatedAt: row.LastUpdatedAt,
	}, nil
}

// Set writes value and returns the new version
func (s *Store) Set(ctx context.Context, workflowID, key, namespace string, value interface{}) (int64, error) {
	if err := validate(workflowID, key); err != nil {
		return 0, err
	}
	normalized, err := normalize(value)
	if err != nil {
		return 0, err
	}

	row, err := s.backend.SetState(ctx, workflowID, key, namespace, normalized)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("State updated",
		logging.F("workflow_id", workflowID),
		logging.F("key", key),
		logging.F("namespace", namespace),
		logging.F("version", row.Version),
	)
	return row.Version, nil
}

// Delete removes the key and reports whether it existed
func (s *Store) Delete(ctx context.Context, workflowID, key, namespace string) (bool, error) {
	if err := validate(workflowID, key); err != nil {
		return false, err
	}
	found, err := s.backend.DeleteState(ctx, workflowID, key, namespace)
	if err != nil {
		return false, err
	}
	if found {
		s.logger.Debug("State deleted",
			logging.F("workflow_id", workflowID),
			logging.F("key", key),
			logging.F("namespace", namespace),
		)
	}
	return found, nil
}

// Entry is one listed state row
type Entry struct {
	Key           string      `json:"key"`
	Namespace     string      `json:"namespace,omitempty"`
	Value         interface{} `json:"value"`
	Version       int64       `json:"version"`
	LastUpdatedAt time.Time   `json:"last_updated_at"`
}

// List returns every entry of a workflow namespace ordered by key
func (s *Store) List(ctx context.Context, workflowID, namespace string) ([]Entry, error) {
	if workflowID == "" {
		return nil, ErrInvalidKey
	}
	rows, err := s.backend.ListState(ctx, workflowID, namespace)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i, row := range rows {
		out[i] = Entry{
			Key:           row.Key,
			Namespace:     row.Namespace,
			Value:         row.Value,
			Version:       row.Version,
			LastUpdatedAt: row.LastUpdatedAt,
		}
	}
	return out, nil
}
