package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	global   *Logger
	globalMu sync.RWMutex

	// zerolog keeps these as package globals, set them once
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with node-level configuration and child field sets.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	closer io.Closer
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`

	Console ConsoleConfig `json:"console" yaml:"console"`
	File    FileConfig    `json:"file" yaml:"file"`

	// Sampling keeps one of every N events when enabled
	Sampling SamplingConfig `json:"sampling" yaml:"sampling"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields"`

	EnableCaller         bool `json:"enable_caller" yaml:"enable_caller"`
	CallerSkipFrameCount int  `json:"caller_skip_frame_count" yaml:"caller_skip_frame_count"`

	// AsyncWrite routes output through a diode ring buffer
	AsyncWrite bool `json:"async_write" yaml:"async_write"`
	BufferSize int  `json:"buffer_size" yaml:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	// Output target (stdout, stderr)
	Output string `json:"output" yaml:"output"`
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable bool   `json:"enable" yaml:"enable"`
	Path   string `json:"path" yaml:"path"`
	// MaxSize in megabytes
	MaxSize int `json:"max_size" yaml:"max_size"`
	// MaxAge in days
	MaxAge     int  `json:"max_age" yaml:"max_age"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups"`
	Compress   bool `json:"compress" yaml:"compress"`
}

// SamplingConfig for log sampling
type SamplingConfig struct {
	Enable bool   `json:"enable" yaml:"enable"`
	Every  uint32 `json:"every" yaml:"every"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "console",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Path:       "logs/kadvault.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Sampling: SamplingConfig{
			Every: 10,
		},
		Fields:               make(Fields),
		EnableCaller:         false,
		CallerSkipFrameCount: 2,
		BufferSize:           10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	var writers []io.Writer
	var closer io.Closer

	if config.Console.Enable {
		var out io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			out = os.Stderr
		}
		if config.Format == "console" {
			out = zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			}
		}
		writers = append(writers, out)
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file output enabled without a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  true,
			Compress:   config.File.Compress,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		d := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		writer = d
		closer = d
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}
	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		zctx = zctx.Caller()
	}
	fields := make(Fields, len(config.Fields))
	for k, v := range config.Fields {
		zctx = zctx.Interface(k, v)
		fields[k] = v
	}

	zl := zctx.Logger()
	if config.Sampling.Enable && config.Sampling.Every > 1 {
		zl = zl.Sample(&zerolog.BasicSampler{N: config.Sampling.Every})
	}

	return &Logger{
		Logger: &zl,
		config: config,
		fields: fields,
		closer: closer,
	}, nil
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, config: DefaultConfig(), fields: make(Fields)}
}

// SetGlobal sets the global logger instance
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Get returns the global logger, falling back to a default one.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = Nop()
		}
		global = l
	}
	return global
}

// WithFields creates a child logger carrying the parent's fields plus the given ones.
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	zctx := base.With()
	for k, v := range fields {
		merged[k] = v
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
		closer: l.closer,
	}
}

// WithError creates a child logger with error details attached
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Fields returns a copy of the persistent fields of this logger
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	zl := l.Logger.Level(lvl)
	l.Logger = &zl
	l.config.Level = level
	return nil
}

// Close flushes the async writer and closes the rotated file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
