package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"github.com/tcmartin/flowengine/pkg/models"
)

// RedisStateStore implements the StateStore interface using Redis.
// Every key part is length-prefixed so that ids containing ':' cannot collide:
//
//	<prefix>state:<len>:<workflow><len>:<namespace><len>:<key>  => HASH {value, version, created_at, updated_at}
//	<prefix>state-idx:<len>:<workflow><len>:<namespace>         => SET of keys in the namespace
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore creates a RedisStateStore.
// prefix is optional and defaults to "flowengine:".
func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "flowengine:"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

// keyParts joins parts as <len>:<part> so the encoding is unambiguous
func keyParts(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

func (s *RedisStateStore) keyState(workflowID, namespace, key string) string {
	return s.prefix + "state:" + keyParts(workflowID, namespace, key)
}

func (s *RedisStateStore) keyIndex(workflowID, namespace string) string {
	return s.prefix + "state-idx:" + keyParts(workflowID, namespace)
}

func decodeStateHash(workflowID, key, namespace string, fields map[string]string) (*models.WorkflowState, error) {
	state := &models.WorkflowState{WorkflowID: workflowID, Key: key, Namespace: namespace}
	if raw, ok := fields["value"]; ok {
		if err := json.Unmarshal([]byte(raw), &state.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state value: %w", err)
		}
	}
	if _, err := fmt.Sscan(fields["version"], &state.Version); err != nil {
		return nil, fmt.Errorf("invalid state version %q: %w", fields["version"], err)
	}
	state.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	state.LastUpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return state, nil
}

// GetState retrieves a state hash
func (s *RedisStateStore) GetState(ctx context.Context, workflowID, key, namespace string) (*models.WorkflowState, error) {
	fields, err := s.client.HGetAll(ctx, s.keyState(workflowID, namespace, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrStateNotFound
	}
	return decodeStateHash(workflowID, key, namespace, fields)
}

// SetState writes the value and increments the version in one MULTI block
func (s *RedisStateStore) SetState(ctx context.Context, workflowID, key, namespace string, value interface{}) (*models.WorkflowState, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state value: %w", err)
	}
	now := time.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	k := s.keyState(workflowID, namespace, key)

	var (
		version *redis.IntCmd
		created *redis.StringCmd
	)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		version = pipe.HIncrBy(ctx, k, "version", 1)
		pipe.HSet(ctx, k, "value", string(encoded), "updated_at", stamp)
		pipe.HSetNX(ctx, k, "created_at", stamp)
		created = pipe.HGet(ctx, k, "created_at")
		pipe.SAdd(ctx, s.keyIndex(workflowID, namespace), key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set state: %w", err)
	}

	state := &models.WorkflowState{
		WorkflowID:    workflowID,
		Key:           key,
		Namespace:     namespace,
		Value:         value,
		Version:       version.Val(),
		LastUpdatedAt: now,
	}
	state.CreatedAt, _ = time.Parse(time.RFC3339Nano, created.Val())
	return state, nil
}

// DeleteState removes a state hash
func (s *RedisStateStore) DeleteState(ctx context.Context, workflowID, key, namespace string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.keyState(workflowID, namespace, key))
		pipe.SRem(ctx, s.keyIndex(workflowID, namespace), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete state: %w", err)
	}
	return removed.Val() > 0, nil
}

// ListState returns every hash of a workflow namespace ordered by key
func (s *RedisStateStore) ListState(ctx context.Context, workflowID, namespace string) ([]*models.WorkflowState, error) {
	keys, err := s.client.SMembers(ctx, s.keyIndex(workflowID, namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	sort.Strings(keys)

	out := make([]*models.WorkflowState, 0, len(keys))
	for _, key := range keys {
		state, err := s.GetState(ctx, workflowID, key, namespace)
		if err == ErrStateNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}
