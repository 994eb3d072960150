// Package logging sets up the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options configure the logger
type Options struct {
	Level  string
	Format string
	File   string
}

// Init configures a new logger writing to stdout and, if set, to File.
// The returned closer releases the log file.
func Init(opts Options) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	log.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
		closer = f
	} else {
		log.SetOutput(os.Stdout)
	}

	return log, closer, nil
}

// ParseLevel accepts logrus level names; empty means info
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
