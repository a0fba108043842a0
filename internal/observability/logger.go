// Package observability builds the zap loggers used by the CLI and by
// driver runs.
package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger writes human-oriented messages to stderr. It is replaced by
// InitCLILogger once configuration is loaded.
var CLILogger = newConsoleLogger(os.Stderr, zapcore.InfoLevel)

var cliMu sync.Mutex

// InitCLILogger rebuilds CLILogger at the given level ("debug", "info",
// "warn", "error").
func InitCLILogger(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	cliMu.Lock()
	defer cliMu.Unlock()
	CLILogger = newConsoleLogger(os.Stderr, lvl)
	return nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}

func newConsoleLogger(w io.Writer, lvl zapcore.Level) *zap.Logger {
	return zap.New(consoleCore(w, lvl))
}

func consoleCore(w io.Writer, lvl zapcore.Level) zapcore.Core {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if f, ok := w.(*os.File); !ok || !isTerminal(f) {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

// FileConfig controls rotation of the per-instance log.
type FileConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// InstanceLogger is a driver logger that writes timestamped JSON lines to
// the instance log file and mirrors them to the console.
type InstanceLogger struct {
	*zap.Logger
	file *lumberjack.Logger
}

// NewInstanceLogger opens path for appending. console may be nil to log to
// the file only.
func NewInstanceLogger(path, level string, cfg FileConfig, console io.Writer) (*InstanceLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(file), lvl)}
	if console != nil {
		cores = append(cores, consoleCore(console, lvl))
	}

	return &InstanceLogger{
		Logger: zap.New(zapcore.NewTee(cores...)),
		file:   file,
	}, nil
}

// Close flushes and closes the log file.
func (l *InstanceLogger) Close() error {
	_ = l.Sync()
	return l.file.Close()
}
