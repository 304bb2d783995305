package events

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/formwarden/waf/internal/common/configtypes"
)

// Rotation defaults applied when the config leaves them zero.
const (
	DefaultMaxSize    = 100 // MB
	DefaultMaxAge     = 30  // days
	DefaultMaxBackups = 10  // files
)

// defaultTemplate is the line format used when the config does not set
// one: a tab-separated record of the core decision fields.
const defaultTemplate = "{timestamp}\t{host}\t{path}\t{decision}\t{block_reason}\t{score}\t{flags}\t{mode}\t{serve_time}\t{client_ip}"

// FileEmitter appends one formatted line per decision to a rotating
// log file.
type FileEmitter struct {
	writer    *lumberjack.Logger
	formatter *TemplateFormatter
	logger    *zap.Logger
}

// NewFileEmitter creates the emitter, validating the template and
// creating the log directory up front so misconfiguration fails at
// startup rather than on the first request.
func NewFileEmitter(cfg configtypes.EventFileConfig, logger *zap.Logger) (*FileEmitter, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	template := cfg.Template
	if template == "" {
		template = defaultTemplate
	}
	formatter, err := NewTemplateFormatter(template)
	if err != nil {
		return nil, fmt.Errorf("invalid template for event log %s: %w", cfg.Path, err)
	}

	return &FileEmitter{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    intOr(cfg.Rotation.MaxSize, DefaultMaxSize),
			MaxAge:     intOr(cfg.Rotation.MaxAge, DefaultMaxAge),
			MaxBackups: intOr(cfg.Rotation.MaxBackups, DefaultMaxBackups),
			Compress:   cfg.Rotation.Compress,
		},
		formatter: formatter,
		logger:    logger,
	}, nil
}

// Emit writes the event. Fire-and-forget: a write failure is logged,
// never surfaced to the request path.
func (f *FileEmitter) Emit(event *DecisionEvent) {
	line := f.formatter.Format(event)
	if _, err := f.writer.Write([]byte(line + "\n")); err != nil {
		f.logger.Warn("failed to write decision event",
			zap.Error(err),
			zap.String("request_id", event.RequestID))
	}
}

// Close flushes and closes the underlying file.
func (f *FileEmitter) Close() error {
	return f.writer.Close()
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
