// Package nodes provides the built-in node types of the engine.
package nodes

import (
	"time"

	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/scripting"
)

// SourceName is the loader source the built-in types are registered under
const SourceName = "builtin"

// Options wires the collaborators some built-in nodes need
type Options struct {
	// Scripts runs transform scripts; a goja engine is used when nil
	Scripts scripting.ScriptEngine

	// Expressions evaluates ${...} condition expressions; a goja evaluator is used when nil
	Expressions scripting.ExpressionEvaluator

	Logger logging.Logger
}

// Builtins returns the registrations of every built-in node type
func Builtins(opts Options) []plugins.Registration {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Scripts == nil {
		opts.Scripts = scripting.NewGojaEngine(10*time.Second, opts.Logger)
	}
	if opts.Expressions == nil {
		opts.Expressions = scripting.NewJSExpressionEvaluator()
	}

	return []plugins.Registration{
		reg("manual_trigger", "Manual Trigger", "Starts a workflow on demand", "triggers", &TriggerNode{}, plugins.CapTrigger),
		reg("webhook_trigger", "Webhook Trigger", "Starts a workflow from an HTTP request", "triggers", &TriggerNode{Fields: webhookFields}, plugins.CapTrigger),
		reg("schedule_trigger", "Schedule Trigger", "Starts a workflow on a cron schedule", "triggers", &TriggerNode{Fields: scheduleFields}, plugins.CapTrigger),

		reg("state_get", "Get State", "Reads a workflow state key", "state", &StateGetNode{}, plugins.CapState),
		reg("state_set", "Set State", "Writes a workflow state key", "state", &StateSetNode{}, plugins.CapState),
		reg("state_delete", "Delete State", "Removes a workflow state key", "state", &StateDeleteNode{}, plugins.CapState),

		reg("increment", "Increment", "Adds a step to a number", "data", &IncrementNode{}),
		reg("set_variable", "Set Variable", "Writes an execution variable", "data", &SetVariableNode{}),
		reg("get_variable", "Get Variable", "Reads an execution variable", "data", &GetVariableNode{}),
		reg("transform", "Transform", "Runs a JavaScript transformation", "data", &TransformNode{engine: opts.Scripts}),

		reg("condition", "Condition", "Fires true or false", "control", &ConditionNode{evaluator: opts.Expressions}),
		reg("exists", "Exists", "Fires found or not_found", "control", &ExistsNode{}),
		reg("merge", "Merge", "Joins several inputs into one value", "control", &MergeNode{}, plugins.CapDynamicPorts),
		reg("delay", "Delay", "Waits before passing its input on", "control", &DelayNode{}),
		reg("loop", "Loop", "Runs its body repeatedly", "control", &LoopNode{}, plugins.CapLoop),
	}
}

// Source returns a loader source over the built-in node types
func Source(opts Options) plugins.Source {
	return plugins.NewStaticSource(SourceName, Builtins(opts)...)
}

// Register loads the built-in node types into registry
func Register(registry *plugins.Registry, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	loader := plugins.NewLoader(registry, opts.Logger)
	loader.AddSource(Source(opts))
	return loader.Load()
}

func reg(nodeType, name, description, category string, node plugins.Node, caps ...plugins.Capability) plugins.Registration {
	return plugins.Registration{
		Node: node,
		Metadata: plugins.Metadata{
			Type:         nodeType,
			DisplayName:  name,
			Description:  description,
			Category:     category,
			Version:      "1.0.0",
			Capabilities: caps,
		},
	}
}

// common ports
var (
	anyInput = models.Port{Name: "input", Type: models.PortAny}
	output   = models.Port{Name: "output", Type: models.PortAny}
)

func signal(name string) models.Port {
	return models.Port{Name: name, Type: models.PortSignal}
}
