package utils

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// ToFloat converts numeric values decoded from JSON, YAML or Go literals
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToInt converts v to an int, truncating fractional values
func ToInt(v interface{}) (int, bool) {
	f, ok := ToFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// ToBool converts booleans and their common string forms
func ToBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	default:
		if f, ok := ToFloat(v); ok {
			return f != 0, true
		}
		return false, false
	}
}

// Truthy reports whether v counts as a fired signal or a true condition
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		if t == "" {
			return false
		}
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
		return true
	case map[string]interface{}:
		return len(t) > 0
	case []interface{}:
		return len(t) > 0
	default:
		if f, ok := ToFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// ToString renders v for text ports
func ToString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
