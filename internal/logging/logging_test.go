package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, expected %v", in, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestFor_AddsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := For(New(&buf, slog.LevelInfo, FormatJSON), ComponentClaim)

	log.Info("claim attempt", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, `"component":"claim"`) {
		t.Errorf("Expected component attribute, got %s", out)
	}
	if !strings.Contains(out, `"attempt":2`) {
		t.Errorf("Expected attempt attribute, got %s", out)
	}
}

func TestFor_NilParent(t *testing.T) {
	log := For(nil, ComponentAPI)
	if log == nil {
		t.Fatal("Expected discard logger")
	}
	log.Info("dropped")
}

func TestParseFormat(t *testing.T) {
	if f, _ := ParseFormat("JSON"); f != FormatJSON {
		t.Error("Expected JSON format")
	}
	if f, _ := ParseFormat(""); f != FormatText {
		t.Error("Expected text format by default")
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("Expected error for xml")
	}
}
