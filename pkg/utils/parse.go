// Package utils provides template and parsing helpers shared by nodes, the loader and the runtime.
package utils

import (
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// stripFence removes a surrounding markdown code fence such as ```json ... ```
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := s[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], " {[\"") {
		// drop the language tag
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ParseJSON parses a JSON document, optionally wrapped in a code fence, into result
func ParseJSON(s string, result any) error {
	return json.Unmarshal([]byte(stripFence(s)), result)
}

// ParseValue reads a literal the way a user types it on a command line:
// JSON first, then a YAML scalar or flow value, otherwise the raw string.
func ParseValue(s string) interface{} {
	s = stripFence(s)

	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	if err := yaml.Unmarshal([]byte(s), &v); err == nil && v != nil {
		return normalizeYAML(v)
	}
	return s
}

// normalizeYAML converts the map keys yaml.v3 may produce into JSON-compatible strings
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalizeYAML(e)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[ToString(k)] = normalizeYAML(e)
		}
		return out
	case []interface{}:
		for i, e := range t {
			t[i] = normalizeYAML(e)
		}
		return t
	case int:
		return float64(t)
	default:
		return v
	}
}
