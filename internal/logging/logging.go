package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const TraceIDKey = "trace_id"

type traceIDCtxKey struct{}

// Config controls the process-wide zap logger.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
	Output string `yaml:"output"` // stdout | stderr | file path

	// Rotation applies only when Output is a file path.
	Rotate     bool `yaml:"rotate"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxAgeDays int  `yaml:"max_age_days"`
}

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init builds the global logger from config. Safe to call once at startup;
// components log through the package-level helpers afterwards.
func Init(cfg Config) error {
	encoder := buildEncoder(cfg.Format)
	ws, err := buildWriteSyncer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create write syncer: %w", err)
	}
	core := zapcore.NewCore(encoder, ws, parseLevel(cfg.Level))
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))

	mu.Lock()
	logger = l
	mu.Unlock()

	l.Info("logger initialized",
		zap.String("level", cfg.Level),
		zap.String("format", cfg.Format),
		zap.String("output", cfg.Output),
	)
	return nil
}

func Sync() {
	mu.RLock()
	l := logger
	mu.RUnlock()
	_ = l.Sync()
}

// WithTraceID returns a context carrying a trace id that the package helpers
// attach to every log line.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDCtxKey{}, traceID)
}

// TraceID extracts the trace id from ctx, or "" when absent.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(traceIDCtxKey{}).(string); ok {
		return v
	}
	return ""
}

func log(ctx context.Context, level zapcore.Level, msg string, fields ...zap.Field) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if tid := TraceID(ctx); tid != "" {
		fields = append(fields, zap.String(TraceIDKey, tid))
	}
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.DebugLevel, msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.InfoLevel, msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.WarnLevel, msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.ErrorLevel, msg, fields...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.FatalLevel, msg, fields...)
	os.Exit(1)
}

func Debugf(ctx context.Context, format string, args ...any) {
	log(ctx, zapcore.DebugLevel, fmt.Sprintf(format, args...))
}

func Infof(ctx context.Context, format string, args ...any) {
	log(ctx, zapcore.InfoLevel, fmt.Sprintf(format, args...))
}

func Warnf(ctx context.Context, format string, args ...any) {
	log(ctx, zapcore.WarnLevel, fmt.Sprintf(format, args...))
}

func Errorf(ctx context.Context, format string, args ...any) {
	log(ctx, zapcore.ErrorLevel, fmt.Sprintf(format, args...))
}

func buildEncoder(format string) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func buildWriteSyncer(cfg Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	// treat everything else as a file path
	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if cfg.Rotate {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		lumber := &lumberjack.Logger{
			Filename:  cfg.Output,
			MaxSize:   maxSize,
			MaxAge:    cfg.MaxAgeDays,
			Compress:  true,
			LocalTime: true,
		}
		return zapcore.AddSync(lumber), nil
	}
	file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "FATAL":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
