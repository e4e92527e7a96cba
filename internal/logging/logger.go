package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LOG_FILE_NAME = "app.log"

	NameStore       = "store"
	NameCoordinator = "coordinator"
	NameSession     = "session"
	NameSignaling   = "signaling"
	NameTransport   = "transport"
	NameHosting     = "hosting"
	NameDiscovery   = "discovery"
	NameCLI         = "cli"
)

type Options struct {
	// Verbose lowers the console level to debug.
	Verbose bool
	// Dir holds the rotating log file. Empty disables file logging.
	Dir string
	// Console defaults to stderr so command output on stdout stays clean.
	Console io.Writer
}

func New(opts Options) (*zap.Logger, error) {
	consoleLevel := zap.InfoLevel
	if opts.Verbose {
		consoleLevel = zap.DebugLevel
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(zapcore.AddSync(console)),
		consoleLevel,
	)

	cores := []zapcore.Core{consoleCore}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logFile := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, LOG_FILE_NAME),
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(logFile),
			zap.DebugLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Named returns a child logger, tolerating a nil parent.
func Named(logger *zap.Logger, name string, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(name).With(fields...)
}
