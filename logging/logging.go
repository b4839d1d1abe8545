package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vuln-lifecycle-tracker/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger according to configuration.
// Output is stdout, stderr or file; a configured File is written in addition to the
// console output unless Output is "file".
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = "console"
	if cfg.Format == "json" {
		zapCfg.Encoding = "json"
	}
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	zapCfg.DisableStacktrace = level > zapcore.DebugLevel

	var outputs []string
	switch cfg.Output {
	case "", "stdout":
		outputs = append(outputs, "stdout")
	case "stderr":
		outputs = append(outputs, "stderr")
	case "file":
		// no console writer when file only
	default:
		return nil, fmt.Errorf("unsupported log output %q", cfg.Output)
	}

	if cfg.Output == "file" || cfg.File != "" {
		logFilePath := cfg.File
		if logFilePath == "" {
			// default path under ./logs/app-YYYYMMDD.log
			logFilePath = filepath.Join("logs", fmt.Sprintf("app-%s.log", time.Now().Format("20060102")))
		}
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		outputs = append(outputs, logFilePath)
	}

	zapCfg.OutputPaths = outputs
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
