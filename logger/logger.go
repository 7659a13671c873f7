// Package logger builds the zap loggers used across meshrpc.
//
// Output is console-encoded with ts/level/msg/caller keys, to stdout and,
// when a directory is configured, to a daily-rotated file.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	level      string
	dir        string
	maxAgeDays int
	stdout     bool
}

type Option func(*options)

// WithLevel sets the minimum level: debug, info, warn or error.
func WithLevel(level string) Option {
	return func(o *options) { o.level = level }
}

// WithDir also writes logs to dir/app-YYYY-MM-DD.log, rotated daily.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithMaxAge sets how many days rotated files are kept.
func WithMaxAge(days int) Option {
	return func(o *options) { o.maxAgeDays = days }
}

// WithStdout toggles console output.
func WithStdout(enable bool) Option {
	return func(o *options) { o.stdout = enable }
}

// New builds a logger. Unknown levels fall back to info.
func New(opts ...Option) (*zap.Logger, error) {
	conf := &options{
		level:      "info",
		maxAgeDays: 7,
		stdout:     true,
	}
	for _, opt := range opts {
		opt(conf)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		MessageKey:   "msg",
		CallerKey:    "caller",
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeTime:   zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeCaller: shortCallerEncoder,
	}
	level := parseLevel(conf.level)

	var cores []zapcore.Core
	if conf.dir != "" {
		if err := os.MkdirAll(conf.dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		writer, err := rotatelogs.New(
			filepath.Join(conf.dir, "app-%Y-%m-%d.log"),
			rotatelogs.WithLinkName(filepath.Join(conf.dir, "latest.log")),
			rotatelogs.WithMaxAge(time.Duration(conf.maxAgeDays)*24*time.Hour),
			rotatelogs.WithRotationTime(24*time.Hour),
		)
		if err != nil {
			return nil, fmt.Errorf("create rotatelogs: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(writer), level))
	}
	if conf.stdout {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// shortCallerEncoder shows the parent directory, file name and line.
func shortCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	parts := strings.Split(caller.File, "/")
	n := len(parts)
	if n >= 2 {
		enc.AppendString(fmt.Sprintf("%s/%s:%d", parts[n-2], parts[n-1], caller.Line))
	} else {
		enc.AppendString(fmt.Sprintf("%s:%d", caller.File, caller.Line))
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
