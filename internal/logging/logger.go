// Package logging provides structured logging for MQTTk using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string

	// Format is the output format (json, console).
	Format string

	// Output is where logs are written (defaults to stderr).
	Output io.Writer

	// NoColor disables colors in console output.
	NoColor bool
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "warn",
		Format: "console",
		Output: os.Stderr,
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) {
	Logger = New(cfg)
}

// New builds a logger from cfg without touching the global one.
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05.000",
			NoColor:    cfg.NoColor,
		}
	}

	return zerolog.New(output).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// PahoLogger adapts a zerolog event level to the Println/Printf logger that
// the paho client writes its internal diagnostics to.
type PahoLogger struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewPahoLogger returns a paho logger writing at level.
func NewPahoLogger(logger zerolog.Logger, level zerolog.Level) *PahoLogger {
	return &PahoLogger{
		logger: logger.With().Str("component", "paho").Logger(),
		level:  level,
	}
}

// Println implements the paho logger interface.
func (l *PahoLogger) Println(v ...interface{}) {
	l.logger.WithLevel(l.level).Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

// Printf implements the paho logger interface.
func (l *PahoLogger) Printf(format string, v ...interface{}) {
	l.logger.WithLevel(l.level).Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
