package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"chatd/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"err":     zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONOutputAndLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, c := NewWithWriter(config.Logging{Level: "warn", Format: "json"}, &buf)
	defer c.Close()
	l.Info().Msg("hidden")
	l.Warn().Str("role", "main").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"role":"main"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestRotatingFileReceivesLines(t *testing.T) {
	var buf bytes.Buffer
	p := filepath.Join(t.TempDir(), "logs", "chatd.log")
	l, c := NewWithWriter(config.Logging{Level: "info", Format: "json", File: p, MaxSizeMB: 1}, &buf)
	l.Info().Str("event", "spawn_start").Msg("server")
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "spawn_start") {
		t.Fatalf("file missing line: %s", b)
	}
}
