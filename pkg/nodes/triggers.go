package nodes

import (
	"context"

	"github.com/tcmartin/flowengine/pkg/flowctx"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
)

var (
	webhookFields = []plugins.ConfigField{
		{Name: "path", Type: "string", Description: "Path segment the webhook is served under"},
		{Name: "method", Type: "string", Description: "Accepted HTTP method", DefaultValue: "POST"},
	}
	scheduleFields = []plugins.ConfigField{
		{Name: "cron", Type: "string", Description: "Cron expression with a seconds field", Required: true},
		{Name: "timezone", Type: "string", Description: "IANA time zone of the schedule", DefaultValue: "UTC"},
		{Name: "payload", Type: "object", Description: "Trigger data passed to each scheduled run"},
	}
)

// TriggerNode is the root of a workflow; it emits the trigger payload of the current pass
type TriggerNode struct {
	Fields []plugins.ConfigField
}

func (n *TriggerNode) InputPorts() []models.Port { return nil }

func (n *TriggerNode) OutputPorts() []models.Port {
	return []models.Port{
		{Name: "output", Type: models.PortStructured, Description: "Trigger payload"},
		signal("fired"),
	}
}

func (n *TriggerNode) ConfigSchema() []plugins.ConfigField { return n.Fields }

func (n *TriggerNode) Execute(_ context.Context, nc *flowctx.NodeContext) (map[string]interface{}, error) {
	data := nc.Exec.Trigger()
	if data == nil {
		data = map[string]interface{}{}
	}
	return map[string]interface{}{"output": data, "fired": true}, nil
}
