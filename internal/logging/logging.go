// Package logging builds the process-wide slog logger and per-component children.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Component identifies a subsystem for log filtering.
type Component string

// Components used across the service.
const (
	ComponentManager   Component = "manager"
	ComponentClaim     Component = "claim"
	ComponentBackend   Component = "backend"
	ComponentScheduler Component = "scheduler"
	ComponentMonitor   Component = "monitor"
	ComponentJobs      Component = "jobs"
	ComponentAPI       Component = "api"
	ComponentTUI       Component = "tui"
)

// Format specifies the output format for logging.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// ParseFormat maps "text" or "json" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("invalid log format %q", s)
}

// New creates a logger writing to w.
func New(w io.Writer, level slog.Level, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// For returns a child logger tagged with the component attribute.
// A nil parent yields a logger that discards everything.
func For(parent *slog.Logger, c Component) *slog.Logger {
	if parent == nil {
		return Discard()
	}
	return parent.With(slog.String("component", string(c)))
}

// Discard returns a logger that drops all records.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
