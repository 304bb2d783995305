// Package logger builds the zap loggers used across the gateway:
// console and rotating-file outputs with independently switchable
// levels, so startup can log at INFO even when the configured level
// is quieter.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/formwarden/waf/internal/common/configtypes"
)

// DynamicLogger is a zap.Logger whose output levels can be adjusted at
// runtime. The startup sequence runs at INFO and switches to the
// configured level once the gateway is serving.
type DynamicLogger struct {
	*zap.Logger
	consoleLevel *zap.AtomicLevel
	fileLevel    *zap.AtomicLevel
	configured   configtypes.LogConfig
}

// SwitchToConfiguredLevel moves both outputs to the levels from the
// config file.
func (dl *DynamicLogger) SwitchToConfiguredLevel() {
	global := parseLevel(dl.configured.Level)

	dl.Info("Switching logger to configured level", zap.String("level", dl.configured.Level))

	if dl.consoleLevel != nil {
		dl.consoleLevel.SetLevel(levelFor(dl.configured.Console.Level, global))
	}
	if dl.fileLevel != nil {
		dl.fileLevel.SetLevel(levelFor(dl.configured.File.Level, global))
	}
}

// EnsureInfoLevelForShutdown raises quieter outputs back to INFO so the
// shutdown sequence is visible in the logs.
func (dl *DynamicLogger) EnsureInfoLevelForShutdown() {
	raised := false
	if dl.consoleLevel != nil && dl.consoleLevel.Level() > zap.InfoLevel {
		dl.consoleLevel.SetLevel(zap.InfoLevel)
		raised = true
	}
	if dl.fileLevel != nil && dl.fileLevel.Level() > zap.InfoLevel {
		dl.fileLevel.SetLevel(zap.InfoLevel)
		raised = true
	}
	if raised {
		dl.Info("Switched to INFO level for shutdown visibility")
	}
}

// NewLogger builds a logger from the config. At least one output must
// be enabled.
func NewLogger(cfg configtypes.LogConfig) (*DynamicLogger, error) {
	global := parseLevel(cfg.Level)

	var cores []zapcore.Core
	var consoleLevel, fileLevel *zap.AtomicLevel

	if cfg.Console.Enabled {
		level := zap.NewAtomicLevelAt(levelFor(cfg.Console.Level, global))
		consoleLevel = &level
		cores = append(cores, zapcore.NewCore(
			newEncoder(cfg.Console.Format),
			zapcore.Lock(os.Stdout),
			consoleLevel,
		))
	}

	if cfg.File.Enabled {
		if cfg.File.Path == "" {
			return nil, fmt.Errorf("file.path must be specified when file logging is enabled")
		}
		level := zap.NewAtomicLevelAt(levelFor(cfg.File.Level, global))
		fileLevel = &level
		cores = append(cores, zapcore.NewCore(
			newEncoder(cfg.File.Format),
			newRotatingWriter(cfg.File.Path, cfg.File.Rotation),
			fileLevel,
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}

	return &DynamicLogger{
		Logger:       zap.New(core),
		consoleLevel: consoleLevel,
		fileLevel:    fileLevel,
		configured:   cfg,
	}, nil
}

// NewLoggerWithStartupOverride builds a logger that logs at INFO during
// startup when the configured level is quieter. Call
// SwitchToConfiguredLevel once startup completes.
func NewLoggerWithStartupOverride(cfg configtypes.LogConfig) (*DynamicLogger, error) {
	if parseLevel(cfg.Level) <= zap.InfoLevel {
		return NewLogger(cfg)
	}

	startupCfg := cfg
	startupCfg.Level = configtypes.LogLevelInfo
	if startupCfg.Console.Enabled && startupCfg.Console.Level == "" {
		startupCfg.Console.Level = configtypes.LogLevelInfo
	}
	if startupCfg.File.Enabled && startupCfg.File.Level == "" {
		startupCfg.File.Level = configtypes.LogLevelInfo
	}

	dl, err := NewLogger(startupCfg)
	if err != nil {
		return nil, err
	}
	dl.configured = cfg
	return dl, nil
}

// NewDefaultLogger is the console-only DEBUG logger used before the
// config file has been read.
func NewDefaultLogger() (*DynamicLogger, error) {
	return NewLogger(configtypes.LogConfig{
		Level: configtypes.LogLevelDebug,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatConsole,
		},
	})
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case configtypes.LogLevelDebug:
		return zap.DebugLevel
	case configtypes.LogLevelInfo:
		return zap.InfoLevel
	case configtypes.LogLevelWarn:
		return zap.WarnLevel
	case configtypes.LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// levelFor picks the per-output level, falling back to the global one.
func levelFor(outputLevel string, global zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return parseLevel(outputLevel)
	}
	return global
}

func newEncoder(format string) zapcore.Encoder {
	if format == configtypes.LogFormatJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if format == configtypes.LogFormatText {
		// plain text for files, no color codes
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func newRotatingWriter(path string, rotation configtypes.RotationConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxAge:     rotation.MaxAge,
		MaxBackups: rotation.MaxBackups,
		Compress:   rotation.Compress,
	})
}
