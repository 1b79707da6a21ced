// Package logging provides structured logging with zap.
package logging

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

var (
	global atomic.Pointer[zap.Logger]
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout (default), stderr, or file path
}

// Init builds the global logger from cfg. An unknown level falls back to
// info.
func Init(cfg Config) error {
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	level.SetLevel(lvl)

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, sink, level)
	global.Store(zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	))
	return nil
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.AddSync(f), nil
}

// InitNop installs a logger that discards everything. Used by tests.
func InitNop() {
	global.Store(zap.NewNop())
}

// Sync flushes any buffered log entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the global logger, initializing a JSON logger on stdout if Init
// was never called.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	_ = Init(Config{})
	return global.Load()
}

// Named returns a child of the global logger scoped to a component, for
// direct use by that component.
func Named(component string) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

// WithContext returns the request-scoped logger stored by Middleware, or
// the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return L().WithOptions(zap.AddCallerSkip(-1))
}

// WithRequestID returns a context carrying requestID and a logger tagged
// with it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	l := WithContext(ctx).With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, loggerKey, l)
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request ID from context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }
