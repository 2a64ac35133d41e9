// Package logger is the process-wide zap logger. Call sites pass their context so job and trace
// fields land on every entry.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputPath string `yaml:"outputPath"` // file path, "stdout" or "stderr"
	// Writer overrides OutputPath; CLIs hand in their stderr.
	Writer io.Writer `yaml:"-"`
}

// Init replaces the global logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	global.Store(l)
	return nil
}

// New builds a zap logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink, err := openSink(cfg)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func openSink(cfg Config) (zapcore.WriteSyncer, error) {
	if cfg.Writer != nil {
		return zapcore.AddSync(cfg.Writer), nil
	}
	switch cfg.OutputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.Lock(file), nil
}

// Err logs err with its code and details when it carries one.
func Err(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.Object("error", errorObject{err})
}

type errorObject struct{ err error }

func (o errorObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("msg", o.err.Error())
	if code := appErr.GetCode(o.err); code != appErr.InternalServerError {
		enc.AddInt("code", int(code))
	}
	var e *appErr.Error
	if appErr.As(o.err, &e) {
		for k, v := range e.Details {
			_ = enc.AddReflected(k, v)
		}
	}
	return nil
}

func from(ctx context.Context) *zap.Logger {
	l := global.Load()
	if l == nil || ctx == nil {
		return l
	}
	var fields []zap.Field
	if v, ok := ctx.Value(contextkey.TraceID).(string); ok {
		fields = append(fields, zap.String("trace_id", v))
	}
	if v, ok := ctx.Value(contextkey.JobID).(string); ok {
		fields = append(fields, zap.String("job_id", v))
	}
	if v, ok := ctx.Value(contextkey.Check).(string); ok {
		fields = append(fields, zap.String("check", v))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if l := from(ctx); l != nil {
		l.Debug(msg, fields...)
	}
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if l := from(ctx); l != nil {
		l.Info(msg, fields...)
	}
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if l := from(ctx); l != nil {
		l.Warn(msg, fields...)
	}
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if l := from(ctx); l != nil {
		l.Error(msg, fields...)
	}
}

// Sync flushes the global logger
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
