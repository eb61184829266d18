package tui

import (
	"strings"
)

// LogSink is an io.Writer that feeds log lines into the dashboard event
// panel. Writes never block; lines are dropped while the panel is behind.
type LogSink struct {
	lines chan string
}

// NewLogSink creates a sink buffering up to 512 lines
func NewLogSink() *LogSink {
	return &LogSink{lines: make(chan string, 512)}
}

func (s *LogSink) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		default:
		}
	}
	return len(p), nil
}

// levelOf picks the panel color for a slog text or JSON line.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, "level=ERROR"), strings.Contains(line, `"level":"ERROR"`):
		return "error"
	case strings.Contains(line, "level=WARN"), strings.Contains(line, `"level":"WARN"`):
		return "warning"
	}
	return "info"
}
