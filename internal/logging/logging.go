// Package logging wires the process-wide zerolog logger and hands out
// per-component subloggers, following the `.With().Str("component", ...)`
// idiom used throughout the retrieval pack's hub implementations.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the base logger. When w is nil it writes a human-readable
// console view to stderr in development and plain JSON otherwise.
func New(w io.Writer, pretty bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Component returns a sublogger tagged with a component name, the one
// pattern every caller in this module uses instead of ad hoc log.Printf.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
