package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
)

// mockNode is a minimal Node for registry tests
type mockNode struct {
	name string
}

func (m *mockNode) InputPorts() []models.Port  { return nil }
func (m *mockNode) OutputPorts() []models.Port { return []models.Port{{Name: "out", Type: models.PortAny}} }
func (m *mockNode) ConfigSchema() []ConfigField {
	return nil
}
func (m *mockNode) Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	return map[string]interface{}{"out": m.name}, nil
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	t.Run("Register and Lookup", func(t *testing.T) {
		node := &mockNode{name: "a"}
		err := registry.Register("test_node", node, Metadata{DisplayName: "Test", Capabilities: []Capability{CapTrigger}})
		require.NoError(t, err)

		reg, ok := registry.Lookup("test_node")
		require.True(t, ok)
		assert.Equal(t, node, reg.Node)
		assert.Equal(t, "test_node", reg.Metadata.Type)
		assert.True(t, reg.Metadata.Has(CapTrigger))
		assert.False(t, reg.Metadata.Has(CapLoop))
	})

	t.Run("Register replaces", func(t *testing.T) {
		replacement := &mockNode{name: "b"}
		require.NoError(t, registry.Register("test_node", replacement, Metadata{}))

		reg, ok := registry.Lookup("test_node")
		require.True(t, ok)
		assert.Equal(t, replacement, reg.Node)
	})

	t.Run("Register rejects incomplete entries", func(t *testing.T) {
		assert.Error(t, registry.Register("", &mockNode{}, Metadata{}))
		assert.Error(t, registry.Register("x", nil, Metadata{}))
	})

	t.Run("Get non-existent", func(t *testing.T) {
		_, err := registry.Get("non_existent")
		assert.True(t, errors.Is(err, ErrUnknownNodeType))
	})

	t.Run("List is sorted", func(t *testing.T) {
		registry := NewRegistry()
		assert.Empty(t, registry.List())

		require.NoError(t, registry.Register("zeta", &mockNode{}, Metadata{}))
		require.NoError(t, registry.Register("alpha", &mockNode{}, Metadata{}))

		list := registry.List()
		require.Len(t, list, 2)
		assert.Equal(t, "alpha", list[0].Type)
		assert.Equal(t, "zeta", list[1].Type)
	})

	t.Run("Unregister", func(t *testing.T) {
		assert.True(t, registry.Unregister("test_node"))
		assert.False(t, registry.Unregister("test_node"))
	})
}

func TestRegistryReload(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("manual", &mockNode{}, Metadata{Source: "core"}))

	err := registry.Reload("ext", []Registration{
		{Node: &mockNode{name: "v1"}, Metadata: Metadata{Type: "ext_a"}},
		{Node: &mockNode{name: "v1"}, Metadata: Metadata{Type: "ext_b"}},
	})
	require.NoError(t, err)
	assert.Len(t, registry.List(), 3)

	// ext_b disappears, ext_a is replaced, core entries are untouched
	err = registry.Reload("ext", []Registration{
		{Node: &mockNode{name: "v2"}, Metadata: Metadata{Type: "ext_a"}},
	})
	require.NoError(t, err)

	_, ok := registry.Lookup("ext_b")
	assert.False(t, ok)
	reg, ok := registry.Lookup("ext_a")
	require.True(t, ok)
	assert.Equal(t, "v2", reg.Node.(*mockNode).name)
	assert.Equal(t, "ext", reg.Metadata.Source)
	_, ok = registry.Lookup("manual")
	assert.True(t, ok)

	assert.Error(t, registry.Reload("ext", []Registration{{Metadata: Metadata{Type: "broken"}}}))
}

func TestRegistryConcurrentLookup(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("n", &mockNode{}, Metadata{}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, ok := registry.Lookup("n")
				assert.True(t, ok)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = registry.Reload("hot", []Registration{{Node: &mockNode{}, Metadata: Metadata{Type: "hot_node"}}})
			}
		}()
	}
	wg.Wait()
}

func TestLoader(t *testing.T) {
	registry := NewRegistry()
	loader := NewLoader(registry, logging.NewNopLogger())

	loader.AddSource(NewStaticSource("core",
		Registration{Node: &mockNode{}, Metadata: Metadata{Type: "one"}},
		Registration{Node: &mockNode{}, Metadata: Metadata{Type: "two"}},
	))
	require.NoError(t, loader.Load())
	assert.Len(t, registry.List(), 2)

	loader.AddSource(NewStaticSource("core",
		Registration{Node: &mockNode{}, Metadata: Metadata{Type: "one"}},
	))
	require.NoError(t, loader.Reload("core"))
	assert.Len(t, registry.List(), 1)

	assert.Error(t, loader.Reload("missing"))
}

func TestNodeError(t *testing.T) {
	cause := errors.New("timeout")
	err := WrapNodeError(cause, "request failed", map[string]interface{}{"status": 504})
	assert.Equal(t, "request failed: timeout", err.Error())
	assert.True(t, errors.Is(err, cause))

	var nodeErr *NodeError
	require.True(t, errors.As(error(err), &nodeErr))
	assert.Equal(t, 504, nodeErr.Detail["status"])
}
