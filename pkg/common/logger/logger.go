package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Options controls where a run's log stream goes and how it is rendered.
type Options struct {
	Dir     string
	File    string
	Level   string
	Format  string // text or json
	Console bool
}

// New builds the single log stream of a process: one file under Dir plus the
// console. The returned closer releases the file handle.
func New(opts Options) (*logrus.Logger, func() error, error) {
	log := logrus.New()
	log.SetLevel(parseLevel(opts.Level))
	log.SetFormatter(formatter(opts.Format))

	var writers []io.Writer
	closer := func() error { return nil }

	if opts.File != "" {
		path := opts.File
		if opts.Dir != "" {
			if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("creating log directory %s: %w", opts.Dir, err)
			}
			path = filepath.Join(opts.Dir, opts.File)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", path, err)
		}
		writers = append(writers, f)
		closer = f.Close
	}
	if opts.Console || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	log.SetOutput(io.MultiWriter(writers...))
	return log, closer, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func formatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{TimestampFormat: timestampFormat}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
		DisableColors:   true,
	}
}

func parseLevel(level string) logrus.Level {
	if level == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
