// Package logging wraps logrus for the supervisor and its reactors. It is
// the one process-wide singleton this module permits (spec 9, "Global
// mutable state"): everything else is explicit configuration or
// per-reactor-owned state.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger so call sites can depend on this package's
// type rather than logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level and format. Output always goes to stdout.
type Config struct {
	Level  string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"LOG_FORMAT,default=text"`
}

// New builds a Logger from Config, falling back to info/text on bad input
// rather than failing startup over a logging misconfiguration.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted logger for call sites
// (tests, small tools) that don't carry a full Config. name is not attached
// to the lines it writes: the entry carrying the "component" field is
// discarded and only its underlying logger is kept.
func NewDefault(name string) *Logger {
	l := New(Config{Level: "info", Format: "text"})
	return &Logger{Logger: l.Logger.WithField("component", name).Logger}
}

// WithField returns a new log entry carrying one structured field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry carrying several structured fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// App scopes every subsequent log line to one application name, the unit
// every spec error kind (4 of 7.x) is reported against.
func (l *Logger) App(name string) *logrus.Entry {
	return l.WithField("app", name)
}
