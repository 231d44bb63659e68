package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
)

// NewLogger builds the process logger. Console output is human readable,
// json is one object per line. Unknown levels fall back to info.
func NewLogger(cfg config.AppConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	format := cfg.LogFormat
	if format == "" {
		format = "console"
		if cfg.Env == "production" {
			format = "json"
		}
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "tars-case").Logger()
}
