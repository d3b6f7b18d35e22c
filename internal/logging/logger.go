// Package logging provides the structured logging setup shared by the
// mount daemon and the unmount driver, built on zap.
package logging

import (
	"log"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger = zap.NewNop()

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Init builds the process logger. Call early in startup; until then the
// package logger is a no-op.
func Init(cfg Config) *zap.Logger {
	core := zapcore.NewCore(
		newEncoder(cfg.Format),
		zapcore.AddSync(os.Stderr),
		parseLevel(cfg.Level),
	)
	logger = zap.New(core, zap.AddCaller())

	// go-fuse reports mount problems through the standard library
	// logger; route those lines through zap.
	log.SetFlags(0)
	log.SetOutput(&stdLogWriter{})
	return logger
}

// L returns the process logger.
func L() *zap.Logger {
	return logger
}

// Sync flushes buffered entries before exit.
func Sync() {
	_ = logger.Sync()
}

type stdLogWriter struct{}

func (stdLogWriter) Write(p []byte) (int, error) {
	logger.Warn(strings.TrimSuffix(string(p), "\n"), zap.String("source", "stdlib"))
	return len(p), nil
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

func newEncoder(format string) zapcore.Encoder {
	if strings.ToLower(format) == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}
