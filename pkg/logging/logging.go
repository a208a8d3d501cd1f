// Package logging builds the process logger: zerolog JSON lines written to a
// size-rotated file, configured from the environment.
package logging

import (
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultFile        = "logs/server.log"
	DefaultMaxSize     = 10 * 1024 * 1024 // bytes
	DefaultRotateCount = 5
	DefaultServiceName = "relay"

	// StdoutFile as LOG_FILE writes to stdout instead of a file
	StdoutFile = "-"
)

// Config holds logger configuration.
type Config struct {
	File        string `mapstructure:"log_file"`
	Level       string `mapstructure:"log_level"`
	MaxSize     int64  `mapstructure:"log_max_size"`
	RotateCount int    `mapstructure:"log_rotate_count"`
	ServiceName string `mapstructure:"service_name"`
	Pretty      bool   `mapstructure:"log_pretty"`
}

// DefaultConfig returns the configuration used when no variables are set
func DefaultConfig() Config {
	return Config{
		File:        DefaultFile,
		Level:       "info",
		MaxSize:     DefaultMaxSize,
		RotateCount: DefaultRotateCount,
		ServiceName: DefaultServiceName,
	}
}

// ConfigFromEnv reads LOG_FILE, LOG_LEVEL, LOG_MAX_SIZE, LOG_ROTATE_COUNT,
// SERVICE_NAME and LOG_PRETTY.
func ConfigFromEnv() Config {
	v := viper.New()
	def := DefaultConfig()

	v.SetDefault("log_file", def.File)
	v.SetDefault("log_level", def.Level)
	v.SetDefault("log_max_size", def.MaxSize)
	v.SetDefault("log_rotate_count", def.RotateCount)
	v.SetDefault("service_name", def.ServiceName)
	v.SetDefault("log_pretty", false)
	v.AutomaticEnv()

	cfg := Config{
		File:        v.GetString("log_file"),
		Level:       v.GetString("log_level"),
		MaxSize:     v.GetInt64("log_max_size"),
		RotateCount: v.GetInt("log_rotate_count"),
		ServiceName: v.GetString("service_name"),
		Pretty:      v.GetBool("log_pretty"),
	}

	if cfg.File == "" {
		cfg.File = def.File
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.RotateCount < 0 {
		cfg.RotateCount = def.RotateCount
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	return cfg
}

// New creates the logger described by cfg. The returned closer releases the
// log file and must be called at process exit.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)

	if cfg.File == "" || cfg.File == StdoutFile {
		w = os.Stdout
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    megabytes(cfg.MaxSize),
			MaxBackups: cfg.RotateCount,
		}
		w = rotator
		closer = rotator
	}

	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: w != os.Stdout}
	}

	return build(w, cfg), closer, nil
}

// NewWriter creates a logger writing to w. Used by tests.
func NewWriter(w io.Writer, cfg Config) zerolog.Logger {
	return build(w, cfg)
}

func build(w io.Writer, cfg Config) zerolog.Logger {
	logger := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.ServiceName != "" {
		logger = logger.With().Str(FieldService, cfg.ServiceName).Logger()
	}
	return logger
}

// StdLogger bridges a zerolog logger to the stdlib logger for libraries that
// only accept *log.Logger.
func StdLogger(logger zerolog.Logger, source string) *stdlog.Logger {
	return stdlog.New(logger.With().Str("source", source).Logger(), "", 0)
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// lumberjack rotates in whole megabytes; round up, minimum 1
func megabytes(size int64) int {
	const mb = 1024 * 1024
	if size <= 0 {
		return 1
	}
	return int((size + mb - 1) / mb)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
