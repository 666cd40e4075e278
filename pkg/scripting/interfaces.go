package scripting

import "context"

// ExpressionEvaluator evaluates ${...} expressions found in configuration values
type ExpressionEvaluator interface {
	// Evaluate processes an expression string with the given variables
	Evaluate(expression string, vars map[string]any) (any, error)

	// EvaluateInObject processes all expressions in an object
	EvaluateInObject(obj map[string]any, vars map[string]any) (map[string]any, error)
}

// ScriptEngine executes JavaScript code
type ScriptEngine interface {
	// Execute runs a script body; a top-level return statement gives the result.
	// Execution is interrupted when ctx is done.
	Execute(ctx context.Context, script string, vars map[string]any) (any, error)
}
