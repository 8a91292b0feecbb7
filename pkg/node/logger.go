package node

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/blockberries/replayberry/pkg/config"
	"github.com/blockberries/replayberry/pkg/logging"
)

// NewLogger builds the node logger from the logging section. The returned
// switch mutes every component logger during quiet replays. The closer
// releases the log file when Output names one.
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, *logging.Switch, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, nil, fmt.Errorf("parsing log level: %w", err)
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "stdout":
		w = os.Stdout
	case "stderr", "":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger, sw := logging.NewSwitchedLogger(handler)
	return logger, sw, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
