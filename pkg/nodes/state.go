package nodes

import (
	"context"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/utils"
)

var stateKeyFields = []plugins.ConfigField{
	{Name: "key", Type: "string", Description: "State key", Required: true},
	{Name: "namespace", Type: "string", Description: "Optional namespace"},
}

// stateKey reads the key from the key input port or the config
func stateKey(nc *flowctx.NodeContext) (string, string, error) {
	v, _ := nc.Value("key")
	key := utils.ToString(v)
	if key == "" {
		return "", "", plugins.NewNodeError("state key is required", nil)
	}
	return key, nc.ConfigString("namespace", ""), nil
}

// StateGetNode reads one workflow state key
type StateGetNode struct{}

func (n *StateGetNode) InputPorts() []models.Port {
	return []models.Port{
		anyInput,
		{Name: "key", Type: models.PortText},
		{Name: "default", Type: models.PortAny},
	}
}

func (n *StateGetNode) OutputPorts() []models.Port {
	return []models.Port{
		{Name: "value", Type: models.PortAny},
		{Name: "version", Type: models.PortNumber},
		signal("found"),
		signal("not_found"),
	}
}

func (n *StateGetNode) ConfigSchema() []plugins.ConfigField {
	return append(stateKeyFields[:2:2], plugins.ConfigField{Name: "default", Type: "any", Description: "Value returned when the key is absent"})
}

func (n *StateGetNode) Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	key, ns, err := stateKey(nc)
	if err != nil {
		return nil, err
	}
	def, _ := nc.Value("default")

	entry, err := nc.StateGet(ctx, key, ns, def)
	if err != nil {
		return nil, plugins.WrapNodeError(err, "failed to read state", map[string]interface{}{"key": key, "namespace": ns})
	}
	return map[string]interface{}{
		"value":     entry.Value,
		"version":   entry.Version,
		"found":     entry.Found,
		"not_found": !entry.Found,
	}, nil
}

// StateSetNode writes one workflow state key
type StateSetNode struct{}

func (n *StateSetNode) InputPorts() []models.Port {
	return []models.Port{
		{Name: "value", Type: models.PortAny, Required: true},
		{Name: "key", Type: models.PortText},
	}
}

func (n *StateSetNode) OutputPorts() []models.Port {
	return []models.Port{
		{Name: "value", Type: models.PortAny},
		{Name: "version", Type: models.PortNumber},
	}
}

func (n *StateSetNode) ConfigSchema() []plugins.ConfigField {
	return append(stateKeyFields[:2:2], plugins.ConfigField{Name: "value", Type: "any", Description: "Value written when the value port is not connected"})
}

func (n *StateSetNode) Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	key, ns, err := stateKey(nc)
	if err != nil {
		return nil, err
	}
	value, _ := nc.Value("value")

	version, err := nc.StateSet(ctx, key, ns, value)
	if err != nil {
		return nil, plugins.WrapNodeError(err, "failed to write state", map[string]interface{}{"key": key, "namespace": ns})
	}
	nc.Logger.Debug("state written")
	return map[string]interface{}{"value": value, "version": version}, nil
}

// StateDeleteNode removes one workflow state key
type StateDeleteNode struct{}

func (n *StateDeleteNode) InputPorts() []models.Port {
	return []models.Port{anyInput, {Name: "key", Type: models.PortText}}
}

func (n *StateDeleteNode) OutputPorts() []models.Port {
	return []models.Port{
		{Name: "deleted", Type: models.PortBoolean},
		signal("found"),
		signal("not_found"),
	}
}

func (n *StateDeleteNode) ConfigSchema() []plugins.ConfigField { return stateKeyFields }

func (n *StateDeleteNode) Execute(ctx context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	key, ns, err := stateKey(nc)
	if err != nil {
		return nil, err
	}
	found, err := nc.StateDelete(ctx, key, ns)
	if err != nil {
		return nil, plugins.WrapNodeError(err, "failed to delete state", map[string]interface{}{"key": key, "namespace": ns})
	}
	return map[string]interface{}{"deleted": found, "found": found, "not_found": !found}, nil
}
