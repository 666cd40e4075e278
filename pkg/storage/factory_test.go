package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	memoryProvider, err := NewProvider(ProviderConfig{Type: MemoryProviderType})
	require.NoError(t, err)
	assert.IsType(t, &MemoryProvider{}, memoryProvider)
	assert.IsType(t, &MemoryStateStore{}, memoryProvider.State())

	// Test PostgreSQL provider with missing config
	_, err = NewProvider(ProviderConfig{Type: PostgreSQLProviderType})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Type: "invalid"})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Type: MemoryProviderType, StateBackend: StateBackendRedis})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Type: MemoryProviderType, StateBackend: StateBackendDynamoDB})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Type: MemoryProviderType, StateBackend: "etcd"})
	assert.Error(t, err)
}

func TestNewProviderWithRedisState(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	provider, err := NewProvider(ProviderConfig{
		Type:         MemoryProviderType,
		StateBackend: StateBackendRedis,
		Redis:        &RedisStateConfig{Addr: s.Addr(), Prefix: "factory:"},
	})
	require.NoError(t, err)
	defer provider.Close()

	ctx := context.Background()
	require.NoError(t, provider.Initialize(ctx))
	assert.IsType(t, &RedisStateStore{}, provider.State())
	assert.IsType(t, &MemoryWorkflowStore{}, provider.Workflows())

	st, err := provider.State().SetState(ctx, "wf", "k", "", "v")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	assert.True(t, s.Exists("factory:state:wf::k"))
}

func TestNewProviderRedisUnreachable(t *testing.T) {
	provider, err := NewProvider(ProviderConfig{
		Type:         MemoryProviderType,
		StateBackend: StateBackendRedis,
		Redis:        &RedisStateConfig{Addr: "127.0.0.1:1"},
	})
	require.NoError(t, err)
	defer provider.Close()

	assert.Error(t, provider.Initialize(context.Background()))
}
