package flowctx

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/tcmartin/flowengine/pkg/utils"
)

// Keys of the merged execution configuration understood by the engine
const (
	KeyMaxConcurrentNodes = "max_concurrent_nodes"
	KeyFailFast           = "fail_fast"
	KeyMaxLoopIterations  = "max_loop_iterations"
	KeyTimeScale          = "time_scale"
)

// Settings are the engine knobs read from the merged execution configuration
type Settings struct {
	// MaxConcurrentNodes bounds in-flight nodes per graph
	MaxConcurrentNodes int

	// FailFast stops dispatching after the first node failure
	FailFast bool

	// MaxLoopIterations caps loop nodes that do not set their own cap
	MaxLoopIterations int

	// TimeScale is the virtual-to-real clock factor for iterations
	TimeScale float64
}

// DefaultSettings returns the built-in defaults
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentNodes: 8,
		FailFast:           false,
		MaxLoopIterations:  1000,
		TimeScale:          1.0,
	}
}

// ParseSettings overlays recognised keys of cfg on base
func ParseSettings(cfg map[string]interface{}, base Settings) Settings {
	s := base
	if v, ok := utils.ToInt(cfg[KeyMaxConcurrentNodes]); ok && v > 0 {
		s.MaxConcurrentNodes = v
	}
	if v, ok := utils.ToBool(cfg[KeyFailFast]); ok {
		s.FailFast = v
	}
	if v, ok := utils.ToInt(cfg[KeyMaxLoopIterations]); ok && v > 0 {
		s.MaxLoopIterations = v
	}
	if v, ok := utils.ToFloat(cfg[KeyTimeScale]); ok && v > 0 {
		s.TimeScale = v
	}
	return s
}

// ToMap renders settings as a configuration layer
func (s Settings) ToMap() map[string]interface{} {
	return map[string]interface{}{
		KeyMaxConcurrentNodes: s.MaxConcurrentNodes,
		KeyFailFast:           s.FailFast,
		KeyMaxLoopIterations:  s.MaxLoopIterations,
		KeyTimeScale:          s.TimeScale,
	}
}

// MergeLayers merges configuration layers in order; later layers win.
// Layers are copied first so the inputs are never mutated.
func MergeLayers(layers ...map[string]interface{}) (map[string]interface{}, error) {
	dst := make(map[string]interface{})
	for i, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if err := mergo.Merge(&dst, deepCopyMap(layer), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration layer %d: %w", i, err)
		}
	}
	return dst, nil
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
