// Package logging builds the pipeline logger: human-readable output on
// stderr plus a JSON log file per run.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// FileName returns the log file name for a run started at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("oppipeline_%s.log", t.Format("20060102_150405"))
}

// New returns a logger writing to console and, when dir is not empty, to a
// new file in dir. The returned closer closes the file.
func New(console io.Writer, dir, level string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = zerolog.ConsoleWriter{Out: console, TimeFormat: time.DateTime}
	closer := io.Closer(nopCloser{})
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.Create(filepath.Join(dir, FileName(time.Now())))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log file: %w", err)
		}
		w = zerolog.MultiLevelWriter(w, f)
		closer = f
	}

	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
