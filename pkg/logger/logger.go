// Package logger builds the process-wide zap logger for the walproxy
// binaries.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultService = "walproxy"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Role is attached to every entry ("primary", "replica", "cli").
	Role string `yaml:"-"`
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup.
func New(config Config) (*zap.Logger, error) {
	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}
	return newWithSyncer(config, writeSyncer), nil
}

// NewWriter builds a logger writing to w, for tools that redirect output.
func NewWriter(config Config, w io.Writer) *zap.Logger {
	return newWithSyncer(config, zapcore.AddSync(w))
}

func newWithSyncer(config Config, ws zapcore.WriteSyncer) *zap.Logger {
	// Unknown levels fall back to info.
	logLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Level != "" {
		if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
			logLevel.SetLevel(zap.InfoLevel)
		}
	}

	core := zapcore.NewCore(getEncoder(config.Format), ws, logLevel)
	fields := []zap.Field{zap.String("service", defaultService)}
	if config.Role != "" {
		fields = append(fields, zap.String("role", config.Role))
	}
	return zap.New(core, zap.AddCaller()).WithOptions(zap.Fields(fields...))
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	default:
		// Append to the file if it exists, or create it.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
