package logger

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

const appName = "roll-a-die"

var (
	once   sync.Once
	mu     sync.RWMutex
	logger *zap.Logger
	base   zapcore.Core

	// level gates the console core and every teed core.
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Get initializes a zap.Logger instance if it has not been initialized
// already and returns the same instance for subsequent calls.
func Get() *zap.Logger {
	once.Do(func() {
		stdout := zapcore.AddSync(os.Stdout)

		serviceLevel := zap.InfoLevel
		envLevel := os.Getenv("LOG_LEVEL")
		if envLevel != "" {
			levelFromEnv, err := zapcore.ParseLevel(envLevel)
			if err != nil {
				log.Println(
					fmt.Errorf("invalid envLevel, defaulting to INFO: %w", err),
				)
				levelFromEnv = zap.InfoLevel
			}
			serviceLevel = levelFromEnv
		}

		level.SetLevel(serviceLevel)
		developmentCfg := zap.NewDevelopmentEncoderConfig()
		developmentCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder := zapcore.NewConsoleEncoder(developmentCfg)

		mu.Lock()
		base = zapcore.NewCore(consoleEncoder, stdout, level)
		logger = zap.New(base).With(zap.String("app", appName))
		mu.Unlock()
	})

	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLevel changes the level of the process logger and of every teed core.
func SetLevel(text string) error {
	Get()

	l, err := zapcore.ParseLevel(text)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", text, err)
	}
	level.SetLevel(l)
	return nil
}

// Tee rebuilds the process logger so that every entry is also written to
// the given cores, filtered by the process log level. Loggers obtained
// before the call keep their old cores.
func Tee(cores ...zapcore.Core) *zap.Logger {
	Get()

	all := []zapcore.Core{base}
	for _, core := range cores {
		all = append(all, gate(core))
	}

	mu.Lock()
	defer mu.Unlock()
	logger = zap.New(zapcore.NewTee(all...)).With(zap.String("app", appName))
	return logger
}

// gate filters core by the process level. A core that is already stricter
// than the level is returned unchanged.
func gate(core zapcore.Core) zapcore.Core {
	gated, err := zapcore.NewIncreaseLevelCore(core, level)
	if err != nil {
		return core
	}
	return gated
}

// FromCtx returns the Logger associated with the ctx. If no logger
// is associated, the default logger is returned, unless it is nil
// in which case a disabled logger is returned. When ctx carries a
// valid span its ids are attached to the returned logger.
func FromCtx(ctx context.Context) *zap.Logger {
	var l *zap.Logger
	if cl, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		l = cl
	} else {
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	if l == nil {
		return zap.NewNop()
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// WithCtx returns a copy of ctx with the Logger attached.
func WithCtx(ctx context.Context, l *zap.Logger) context.Context {
	if lp, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		if lp == l {
			// Do not store same logger.
			return ctx
		}
	}

	return context.WithValue(ctx, ctxKey{}, l)
}
