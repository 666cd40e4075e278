// Package flowctx holds the per-execution state threaded through every node call.
package flowctx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tcmartin/flowengine/pkg/models"
)

// ErrStopRequested is returned at iteration boundaries once a stop has been requested
var ErrStopRequested = errors.New("stop requested")

// StateStore is the workflow state the nodes of an execution can read and write
type StateStore interface {
	Get(ctx context.Context, workflowID, key, namespace string, def interface{}) (models.StateEntry, error)
	Set(ctx context.Context, workflowID, key, namespace string, value interface{}) (int64, error)
	Delete(ctx context.Context, workflowID, key, namespace string) (bool, error)
}

// Options configures a new ExecutionContext
type Options struct {
	WorkflowID  string
	ExecutionID string
	Mode        models.ExecutionMode
	Source      models.ExecutionSource

	// Config is the merged global < workflow < trigger configuration
	Config map[string]interface{}

	// NodeConfig holds node-level overrides keyed by node id
	NodeConfig map[string]map[string]interface{}

	TriggerData map[string]interface{}
	Variables   map[string]interface{}
	State       StateStore
}

// ExecutionContext is created once per execution and discarded at terminal status
type ExecutionContext struct {
	workflowID  string
	executionID string
	mode        models.ExecutionMode
	source      models.ExecutionSource
	config      map[string]interface{}
	nodeLayers  map[string]map[string]interface{}
	settings    Settings
	state       StateStore

	mu      sync.Mutex
	vars    map[string]interface{}
	trigger map[string]interface{}

	portMu sync.RWMutex
	ports  map[string]map[string]interface{}

	stop atomic.Bool

	iterMu     sync.Mutex
	iterations int
}

// New creates an execution context
func New(opts Options) *ExecutionContext {
	vars := make(map[string]interface{}, len(opts.Variables))
	for k, v := range opts.Variables {
		vars[k] = v
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	mode := opts.Mode
	if mode == "" {
		mode = models.ModeOneshot
	}

	return &ExecutionContext{
		workflowID:  opts.WorkflowID,
		executionID: opts.ExecutionID,
		mode:        mode,
		source:      opts.Source,
		config:      cfg,
		nodeLayers:  opts.NodeConfig,
		settings:    ParseSettings(cfg, DefaultSettings()),
		state:       opts.State,
		vars:        vars,
		trigger:     opts.TriggerData,
		ports:       make(map[string]map[string]interface{}),
	}
}

func (c *ExecutionContext) WorkflowID() string             { return c.workflowID }
func (c *ExecutionContext) ExecutionID() string            { return c.executionID }
func (c *ExecutionContext) Mode() models.ExecutionMode     { return c.mode }
func (c *ExecutionContext) Source() models.ExecutionSource { return c.source }
func (c *ExecutionContext) Settings() Settings             { return c.settings }
func (c *ExecutionContext) State() StateStore              { return c.state }

// Config returns a copy of the merged execution configuration
func (c *ExecutionContext) Config() map[string]interface{} {
	return deepCopyMap(c.config)
}

// NodeConfig returns the merged configuration seen by one node, node overrides winning
func (c *ExecutionContext) NodeConfig(nodeID string) map[string]interface{} {
	layer, ok := c.nodeLayers[nodeID]
	if !ok {
		return c.Config()
	}
	merged, err := MergeLayers(c.config, layer)
	if err != nil {
		return c.Config()
	}
	return merged
}

// NodeSettings returns the settings in effect for one node
func (c *ExecutionContext) NodeSettings(nodeID string) Settings {
	layer, ok := c.nodeLayers[nodeID]
	if !ok {
		return c.settings
	}
	return ParseSettings(layer, c.settings)
}

// Var reads a shared variable
func (c *ExecutionContext) Var(name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[name]
	return v, ok
}

// SetVar writes a shared variable
func (c *ExecutionContext) SetVar(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// UpdateVar applies fn to the current value inside the variables critical section
func (c *ExecutionContext) UpdateVar(name string, fn func(current interface{}, exists bool) interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, exists := c.vars[name]
	next := fn(current, exists)
	c.vars[name] = next
	return next
}

// DeleteVar removes a shared variable
func (c *ExecutionContext) DeleteVar(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vars, name)
}

// Vars returns a snapshot of the shared variables
func (c *ExecutionContext) Vars() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// Trigger returns the trigger payload of the current pass
func (c *ExecutionContext) Trigger() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trigger
}

// SetTrigger replaces the trigger payload when a persistent execution is re-entered
func (c *ExecutionContext) SetTrigger(data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trigger = data
}

// StorePort caches the value produced on a node output port
func (c *ExecutionContext) StorePort(nodePath, port string, value interface{}) {
	c.portMu.Lock()
	defer c.portMu.Unlock()
	if c.ports[nodePath] == nil {
		c.ports[nodePath] = make(map[string]interface{})
	}
	c.ports[nodePath][port] = value
}

// Port reads a cached port value
func (c *ExecutionContext) Port(nodePath, port string) (interface{}, bool) {
	c.portMu.RLock()
	defer c.portMu.RUnlock()
	v, ok := c.ports[nodePath][port]
	return v, ok
}

// ClearPorts drops every cached value under the given scope, used between passes.
// The empty scope clears the whole cache.
func (c *ExecutionContext) ClearPorts(scope string) {
	c.portMu.Lock()
	defer c.portMu.Unlock()
	if scope == "" {
		c.ports = make(map[string]map[string]interface{})
		return
	}
	prefix := scope + "/"
	for path := range c.ports {
		if strings.HasPrefix(path, prefix) {
			delete(c.ports, path)
		}
	}
}

// Outputs returns the cached outputs of the nodes directly inside scope, keyed by node id.
// The empty scope is the top-level graph.
func (c *ExecutionContext) Outputs(scope string) map[string]interface{} {
	c.portMu.RLock()
	defer c.portMu.RUnlock()

	out := make(map[string]interface{})
	for path, ports := range c.ports {
		id, ok := ChildID(scope, path)
		if !ok {
			continue
		}
		copied := make(map[string]interface{}, len(ports))
		for k, v := range ports {
			copied[k] = v
		}
		out[id] = copied
	}
	return out
}

// RequestStop asks the scheduler to stop at the next boundary
func (c *ExecutionContext) RequestStop() {
	c.stop.Store(true)
}

// ResetStop clears a previous stop request
func (c *ExecutionContext) ResetStop() {
	c.stop.Store(false)
}

// StopRequested reports whether a stop has been requested
func (c *ExecutionContext) StopRequested() bool {
	return c.stop.Load()
}

// AllocateIteration hands out the next iteration number and runs persist while holding
// the allocation lock, so records land in number order. A failed persist releases the number.
func (c *ExecutionContext) AllocateIteration(persist func(number int) error) (int, error) {
	c.iterMu.Lock()
	defer c.iterMu.Unlock()

	number := c.iterations + 1
	if err := persist(number); err != nil {
		return 0, err
	}
	c.iterations = number
	return number, nil
}

// Iterations returns how many iteration numbers have been allocated
func (c *ExecutionContext) Iterations() int {
	c.iterMu.Lock()
	defer c.iterMu.Unlock()
	return c.iterations
}

// JoinPath builds the path of a node nested in scope
func JoinPath(scope, nodeID string) string {
	if scope == "" {
		return nodeID
	}
	return scope + "/" + nodeID
}

// ChildID returns the node id of path when it sits directly inside scope
func ChildID(scope, path string) (string, bool) {
	if scope == "" {
		if strings.Contains(path, "/") {
			return "", false
		}
		return path, true
	}
	prefix := scope + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
