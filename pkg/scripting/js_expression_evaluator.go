// Package scripting provides JavaScript execution capabilities for workflows.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/tcmartin/flowengine/pkg/logging"
)

// ErrScriptTimeout is returned when a script is interrupted by its deadline
var ErrScriptTimeout = errors.New("script execution timed out")

// IsExpression reports whether s is a single ${...} expression
func IsExpression(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// newRuntime creates a runtime exposing vars as globals.
// goja runtimes are not safe for concurrent use, so each evaluation gets its own.
func newRuntime(vars map[string]any) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for key, value := range vars {
		if err := vm.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to bind variable '%s': %w", key, err)
		}
	}
	return vm, nil
}

// JSExpressionEvaluator is an implementation of the ExpressionEvaluator interface using goja
type JSExpressionEvaluator struct{}

// NewJSExpressionEvaluator creates a new JSExpressionEvaluator
func NewJSExpressionEvaluator() *JSExpressionEvaluator {
	return &JSExpressionEvaluator{}
}

// Evaluate processes an expression string with the given variables.
// Strings that are not ${...} expressions are returned unchanged.
func (e *JSExpressionEvaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	if !IsExpression(expression) {
		return expression, nil
	}
	expr := expression[2 : len(expression)-1]

	vm, err := newRuntime(vars)
	if err != nil {
		return nil, err
	}
	result, err := vm.RunString(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression '%s': %w", expr, err)
	}
	return result.Export(), nil
}

// EvaluateInObject processes all expressions in an object
func (e *JSExpressionEvaluator) EvaluateInObject(obj map[string]any, vars map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(obj))
	for key, value := range obj {
		evaluated, err := e.evaluateValue(value, vars)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		result[key] = evaluated
	}
	return result, nil
}

func (e *JSExpressionEvaluator) evaluateValue(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.Evaluate(v, vars)
	case map[string]any:
		return e.EvaluateInObject(v, vars)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			evaluated, err := e.evaluateValue(item, vars)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = evaluated
		}
		return out, nil
	default:
		return value, nil
	}
}

// GojaEngine runs script bodies for the transform node
type GojaEngine struct {
	// Timeout bounds a script when the context carries no earlier deadline
	Timeout time.Duration

	logger logging.Logger
}

// NewGojaEngine creates a script engine; console.log output goes to logger at debug level
func NewGojaEngine(timeout time.Duration, logger logging.Logger) *GojaEngine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &GojaEngine{
		Timeout: timeout,
		logger:  logger.WithFields(logging.F("component", "script_engine")),
	}
}

// Execute runs the script wrapped in a function so it may return a value
func (g *GojaEngine) Execute(ctx context.Context, script string, vars map[string]any) (any, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	vm, err := newRuntime(vars)
	if err != nil {
		return nil, err
	}

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.Export())
		}
		g.logger.Debug("script console", logging.F("args", parts))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	result, err := vm.RunString("(function() {\n" + script + "\n})()")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrScriptTimeout
			}
			return nil, fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}
