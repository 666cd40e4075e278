package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

var (
	templatePattern  = regexp.MustCompile(`{{([^}]+)}}`)
	wholeTemplate    = regexp.MustCompile(`^\s*{{([^}]+)}}\s*$`)
	indexPartPattern = regexp.MustCompile(`^(.*)\[(\d+)\]$`)
)

// ProcessTemplate processes a template string with variables
// Supports simple variable substitution and basic functions like fromjson
func ProcessTemplate(template string, variables map[string]interface{}) (string, error) {
	var firstErr error

	result := templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		value, err := evalExpression(match[2:len(match)-2], variables)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		if value == nil {
			return ""
		}
		switch v := value.(type) {
		case string:
			return v
		case map[string]interface{}, []interface{}:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprintf("%v", v)
			}
			return string(b)
		default:
			return fmt.Sprintf("%v", v)
		}
	})

	return result, firstErr
}

// ResolveValue walks maps and slices and substitutes template strings.
// A string that is exactly one {{expression}} resolves to the raw value, keeping its type.
func ResolveValue(value interface{}, variables map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}
		if m := wholeTemplate.FindStringSubmatch(v); m != nil {
			return evalExpression(m[1], variables)
		}
		return ProcessTemplate(v, variables)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := ResolveValue(item, variables)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := ResolveValue(item, variables)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// evalExpression handles "path | fromjson | .prop" pipelines
func evalExpression(expr string, variables map[string]interface{}) (interface{}, error) {
	parts := strings.Split(strings.TrimSpace(expr), "|")
	value := LookupPath(variables, strings.TrimSpace(parts[0]))

	for _, part := range parts[1:] {
		funcName := strings.TrimSpace(part)
		switch {
		case funcName == "fromjson":
			strValue, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("fromjson requires string input")
			}
			var parsed interface{}
			if err := ParseJSON(strValue, &parsed); err != nil {
				return nil, fmt.Errorf("fromjson: %w", err)
			}
			value = parsed
		case funcName == "tojson":
			b, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("tojson: %w", err)
			}
			value = string(b)
		case strings.HasPrefix(funcName, "default "):
			if value == nil {
				value = strings.Trim(strings.TrimSpace(funcName[len("default "):]), `"'`)
			}
		case strings.HasPrefix(funcName, "."):
			propName := funcName[1:]
			mapValue, ok := value.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("cannot access property %s", propName)
			}
			value = mapValue[propName]
		default:
			return nil, fmt.Errorf("unknown template function %q", funcName)
		}
	}

	return value, nil
}

// LookupPath retrieves a nested value from a map using dot notation
// e.g. "nodes.fetch.result.items[0].name"
func LookupPath(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}

	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		if m := indexPartPattern.FindStringSubmatch(part); m != nil {
			if m[1] != "" {
				currentMap, ok := current.(map[string]interface{})
				if !ok {
					return nil
				}
				current = currentMap[m[1]]
			}

			array, ok := current.([]interface{})
			if !ok {
				return nil
			}
			index, _ := strconv.Atoi(m[2])
			if index < 0 || index >= len(array) {
				return nil
			}
			current = array[index]
			continue
		}

		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = currentMap[part]
	}

	return current
}
