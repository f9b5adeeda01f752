// Package logging provides ThemisDB's structured logging setup,
// adapted from the teacher's common/logger.go and common/logging.go:
// the same level/format configuration and stdout/stderr stream
// separation, built on logrus rather than a stdlib logger.
package logging

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors the teacher's LogLevel type.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Config configures a new logger instance.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	Component  string // e.g. "tx", "aql", "sweep"
	AddCaller  bool
	TimeFormat string
}

// DefaultConfig mirrors the teacher's DefaultLoggerConfig.
func DefaultConfig(component string) Config {
	return Config{
		Level:      LevelInfo,
		Format:     "text",
		Component:  component,
		AddCaller:  false,
		TimeFormat: time.RFC3339,
	}
}

// outputSplitter routes error-level records to stderr and everything
// else to stdout, the same routing strategy as the teacher's
// OutputSplitter, so container log collectors can apply different
// rules per stream.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a configured *logrus.Entry scoped to one component.
func New(cfg Config) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(outputSplitter{})

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: cfg.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: cfg.TimeFormat, FullTimestamp: true})
	}
	logger.SetReportCaller(cfg.AddCaller)

	return logger.WithField("component", cfg.Component)
}
