package nodes

import (
	"context"
	"fmt"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/scripting"
	"github.com/tcmartin/flowengine/pkg/utils"
)

// IncrementNode adds a step to a number; a missing value counts as zero
type IncrementNode struct{}

func (n *IncrementNode) InputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}}
}

func (n *IncrementNode) OutputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortNumber}}
}

func (n *IncrementNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "by", Type: "number", Description: "Step added to the value", DefaultValue: 1},
	}
}

func (n *IncrementNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	var current float64
	if v, ok := nc.Value("value"); ok && v != nil {
		f, ok := utils.ToFloat(v)
		if !ok {
			return nil, plugins.NewNodeError(fmt.Sprintf("cannot increment a value of type %T", v), map[string]interface{}{"value": v})
		}
		current = f
	}
	step := 1.0
	if v, ok := nc.Config["by"]; ok {
		f, ok := utils.ToFloat(v)
		if !ok {
			return nil, plugins.NewNodeError("config 'by' must be a number", nil)
		}
		step = f
	}
	return map[string]interface{}{"value": current + step}, nil
}

// SetVariableNode writes an execution variable shared by every node of the run
type SetVariableNode struct{}

func (n *SetVariableNode) InputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}}
}

func (n *SetVariableNode) OutputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}}
}

func (n *SetVariableNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "name", Type: "string", Description: "Variable name", Required: true},
		{Name: "value", Type: "any", Description: "Value written when the value port is not connected"},
		{Name: "operation", Type: "string", Description: "set, increment or append", DefaultValue: "set"},
	}
}

func (n *SetVariableNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	name := nc.ConfigString("name", "")
	if name == "" {
		return nil, plugins.NewNodeError("variable name is required", nil)
	}
	value, _ := nc.Value("value")

	var opErr error
	result := nc.Exec.UpdateVar(name, func(current interface{}, exists bool) interface{} {
		switch op := nc.ConfigString("operation", "set"); op {
		case "set":
			return value
		case "increment":
			base, _ := utils.ToFloat(current)
			step := 1.0
			if value != nil {
				f, ok := utils.ToFloat(value)
				if !ok {
					opErr = fmt.Errorf("cannot increment by %T", value)
					return current
				}
				step = f
			}
			return base + step
		case "append":
			list, _ := current.([]interface{})
			if exists && list == nil && current != nil {
				list = []interface{}{current}
			}
			return append(append([]interface{}{}, list...), value)
		default:
			opErr = fmt.Errorf("unknown operation '%s'", op)
			return current
		}
	})
	if opErr != nil {
		return nil, plugins.WrapNodeError(opErr, "failed to update variable", map[string]interface{}{"name": name})
	}
	return map[string]interface{}{"value": result}, nil
}

// GetVariableNode reads an execution variable
type GetVariableNode struct{}

func (n *GetVariableNode) InputPorts() []models.Port {
	return []models.Port{anyInput}
}

func (n *GetVariableNode) OutputPorts() []models.Port {
	return []models.Port{{Name: "value", Type: models.PortAny}, signal("found"), signal("not_found")}
}

func (n *GetVariableNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "name", Type: "string", Description: "Variable name", Required: true},
		{Name: "default", Type: "any", Description: "Value returned when the variable is unset"},
	}
}

func (n *GetVariableNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	name := nc.ConfigString("name", "")
	if name == "" {
		return nil, plugins.NewNodeError("variable name is required", nil)
	}
	value, found := nc.Exec.Var(name)
	if !found {
		value = nc.Config["default"]
	}
	return map[string]interface{}{"value": value, "found": found, "not_found": !found}, nil
}

// TransformNode runs a JavaScript body over its input and emits the returned value
type TransformNode struct {
	engine scripting.ScriptEngine
}

func (n *TransformNode) InputPorts() []models.Port { return []models.Port{anyInput} }

func (n *TransformNode) OutputPorts() []models.Port { return []models.Port{output} }

func (n *TransformNode) ConfigSchema() []plugins.ConfigField {
	return []plugins.ConfigField{
		{Name: "script", Type: "string", Description: "Function body; its return value is the output", Required: true},
	}
}

func (n *TransformNode) Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	script := nc.ConfigString("script", "")
	if script == "" {
		return nil, plugins.NewNodeError("script is required", nil)
	}

	vars := scriptVars(nc)
	result, err := n.engine.Execute(ctx, script, vars)
	if err != nil {
		return nil, plugins.WrapNodeError(err, "transform script failed", nil)
	}
	return map[string]interface{}{"output": result}, nil
}

// scriptVars exposes the node's view of the execution to scripts and expressions
func scriptVars(nc *flowctx.NodeContext) map[string]interface{} {
	input, _ := nc.Input("input")
	vars := map[string]interface{}{
		"input":  input,
		"inputs": nc.Inputs,
		"vars":   nc.Exec.Vars(),
		"config": nc.Config,
	}
	if trigger := nc.Exec.Trigger(); trigger != nil {
		vars["trigger"] = trigger
	}
	if nc.Loop != nil {
		vars["loop"] = map[string]interface{}{
			"index":    nc.Loop.Index,
			"number":   nc.Loop.Index + 1,
			"item":     nc.Loop.Item,
			"input":    nc.Loop.Input,
			"previous": nc.Loop.Previous,
		}
	}
	return vars
}
