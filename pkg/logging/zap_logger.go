package logging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements Logger on top of zap
type ZapLogger struct {
	z *zap.Logger
}

// NewLogger builds a zap-backed Logger from the given configuration
func NewLogger(cfg LogConfig) (*ZapLogger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" || cfg.Format == "text" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if !cfg.IncludeTimestamp {
		encoderConfig.TimeKey = ""
	}

	output := "stdout"
	switch cfg.Output {
	case "stderr":
		output = "stderr"
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output is file but no file_path is set")
		}
		output = cfg.FilePath
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.IncludeCaller {
		// skip the wrapper frame so callers see their own file:line
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	z, err := zapConfig.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &ZapLogger{z: z}, nil
}

// NewFromZap wraps an existing zap logger
func NewFromZap(z *zap.Logger) *ZapLogger {
	return &ZapLogger{z: z}
}

// NewNopLogger returns a Logger that discards everything
func NewNopLogger() *ZapLogger {
	return &ZapLogger{z: zap.NewNop()}
}

// Zap exposes the underlying zap logger
func (l *ZapLogger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZap(fields)...) }

// WithFields returns a new logger with the given fields
func (l *ZapLogger) WithFields(fields ...Field) Logger {
	return &ZapLogger{z: l.z.With(toZap(fields)...)}
}

// WithContext attaches the trace and span ids of the active span, if any
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return &ZapLogger{z: l.z.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)}
}

// LogExecution records execution lifecycle events
func (l *ZapLogger) LogExecution(workflowID, executionID, event string, data map[string]interface{}) {
	l.z.Info(event,
		zap.String("workflow_id", workflowID),
		zap.String("execution_id", executionID),
		zap.Any("data", data),
	)
}

// LogNodeExecution records node execution events
func (l *ZapLogger) LogNodeExecution(workflowID, executionID, nodeID, event string, data map[string]interface{}) {
	l.z.Info(event,
		zap.String("workflow_id", workflowID),
		zap.String("execution_id", executionID),
		zap.String("node_id", nodeID),
		zap.Any("data", data),
	)
}

// LogSystemEvent records system-level events
func (l *ZapLogger) LogSystemEvent(event string, data map[string]interface{}) {
	l.z.Info(event, zap.String("component", "system"), zap.Any("data", data))
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
