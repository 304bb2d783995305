package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
)

func consoleConfig(level string) configtypes.LogConfig {
	return configtypes.LogConfig{
		Level: level,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatConsole,
		},
	}
}

func TestNewLoggerConsoleOnly(t *testing.T) {
	dl, err := NewLogger(consoleConfig(configtypes.LogLevelInfo))
	require.NoError(t, err)
	require.NotNil(t, dl)
	assert.NotNil(t, dl.consoleLevel)
	assert.Nil(t, dl.fileLevel)
	assert.Equal(t, zap.InfoLevel, dl.consoleLevel.Level())
}

func TestNewLoggerNoOutputsFails(t *testing.T) {
	_, err := NewLogger(configtypes.LogConfig{Level: configtypes.LogLevelInfo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one log output")
}

func TestNewLoggerFileRequiresPath(t *testing.T) {
	cfg := configtypes.LogConfig{
		Level: configtypes.LogLevelInfo,
		File:  configtypes.FileLogConfig{Enabled: true},
	}
	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file.path")
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waf.log")
	cfg := configtypes.LogConfig{
		Level: configtypes.LogLevelInfo,
		File: configtypes.FileLogConfig{
			Enabled: true,
			Path:    path,
			Format:  configtypes.LogFormatJSON,
		},
	}

	dl, err := NewLogger(cfg)
	require.NoError(t, err)
	dl.Info("file output works")
	require.NoError(t, dl.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file output works")
}

func TestPerOutputLevelOverridesGlobal(t *testing.T) {
	cfg := consoleConfig(configtypes.LogLevelError)
	cfg.Console.Level = configtypes.LogLevelDebug

	dl, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, dl.consoleLevel.Level())
}

func TestStartupOverrideSwitchesBack(t *testing.T) {
	dl, err := NewLoggerWithStartupOverride(consoleConfig(configtypes.LogLevelError))
	require.NoError(t, err)

	// startup runs at INFO even though ERROR is configured
	assert.Equal(t, zap.InfoLevel, dl.consoleLevel.Level())

	dl.SwitchToConfiguredLevel()
	assert.Equal(t, zap.ErrorLevel, dl.consoleLevel.Level())

	dl.EnsureInfoLevelForShutdown()
	assert.Equal(t, zap.InfoLevel, dl.consoleLevel.Level())
}

func TestStartupOverrideNoopForVerboseConfig(t *testing.T) {
	dl, err := NewLoggerWithStartupOverride(consoleConfig(configtypes.LogLevelDebug))
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, dl.consoleLevel.Level())
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	for _, level := range []string{"", "verbose", "TRACE"} {
		assert.Equal(t, zap.InfoLevel, parseLevel(level), level)
	}
}

func TestNewDefaultLogger(t *testing.T) {
	dl, err := NewDefaultLogger()
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, dl.consoleLevel.Level())
}

func TestFileRotationConfigPlumbing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	cfg := configtypes.LogConfig{
		Level: configtypes.LogLevelInfo,
		File: configtypes.FileLogConfig{
			Enabled: true,
			Path:    path,
			Format:  configtypes.LogFormatText,
			Rotation: configtypes.RotationConfig{
				MaxSize:    1,
				MaxAge:     1,
				MaxBackups: 1,
			},
		},
	}

	dl, err := NewLogger(cfg)
	require.NoError(t, err)
	dl.Info("rotation plumbing", zap.String("k", strings.Repeat("v", 100)))
	require.NoError(t, dl.Sync())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
