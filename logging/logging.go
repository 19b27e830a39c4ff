// Package logging builds the structured logger used across stenv.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/najoast/stenv/config"
)

// Logger is the logger type accepted by every stenv package.
type Logger = logiface.Logger[logiface.Event]

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Level maps a configured level onto a logiface level.
//
// Critical is the fatal tier: stenv logs at Crit only when the environment
// cannot continue, such as a panic escaping the main loop. A "fatal"
// config therefore keeps exactly those lines.
func Level(level config.LogLevel) (logiface.Level, error) {
	switch level {
	case config.LogLevelTrace:
		return logiface.LevelTrace, nil
	case config.LogLevelDebug:
		return logiface.LevelDebug, nil
	case config.LogLevelInfo, "":
		return logiface.LevelInformational, nil
	case config.LogLevelWarn:
		return logiface.LevelWarning, nil
	case config.LogLevelError:
		return logiface.LevelError, nil
	case config.LogLevelFatal:
		return logiface.LevelCritical, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, level)
	}
}

// New returns a JSON logger writing to cfg.Output, which is stdout, stderr
// or a file path opened for appending. The returned closer releases the file.
func New(cfg config.LogConfig) (*Logger, io.Closer, error) {
	level, err := Level(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.WriteCloser
	switch cfg.Output {
	case "", "stderr":
		w = nopCloser{os.Stderr}
	case "stdout":
		w = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		w = f
	}

	return NewWriter(w, level), w, nil
}

// NewWriter returns a JSON logger writing to w at the given level.
func NewWriter(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(`time`)),
		stumpy.L.WithLevel(level),
	).Logger()
}
