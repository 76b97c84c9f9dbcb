package utils

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. An empty path logs JSON to stdout; otherwise the file
// is opened for appending. The returned closer releases the file.
func NewLogger(path, level string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var out io.WriteCloser = nopCloser{os.Stdout}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return logger, out, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
