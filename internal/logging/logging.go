package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	EnvLogLevel  = "UNTETHERED_LOG_LEVEL"
	EnvLogFormat = "UNTETHERED_LOG_FORMAT"
)

type Options struct {
	Level  string
	Format string // text | json
	Output io.Writer
}

var (
	rootMu sync.Mutex
	root   = newRoot(Options{})
)

// Configure replaces the process-wide base logger. Env vars win over opts.
func Configure(opts Options) *logrus.Logger {
	logger := newRoot(opts)
	rootMu.Lock()
	root = logger
	rootMu.Unlock()
	return logger
}

// New returns an entry tagged with the component name.
func New(component string) *logrus.Entry {
	rootMu.Lock()
	logger := root
	rootMu.Unlock()
	return logger.WithField("component", component)
}

// Discard returns an entry that drops everything; handy in tests.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newRoot(opts Options) *logrus.Logger {
	logger := logrus.New()

	levelStr := strings.TrimSpace(os.Getenv(EnvLogLevel))
	if levelStr == "" {
		levelStr = opts.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	format := strings.TrimSpace(os.Getenv(EnvLogFormat))
	if format == "" {
		format = opts.Format
	}
	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
			DisableColors:   true,
		})
	}

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stdout)
	}
	return logger
}
