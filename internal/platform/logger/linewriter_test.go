package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLineWriter_splits_lines(t *testing.T) {
	var out bytes.Buffer
	log := NewWithWriter(&out, "debug", "text")
	w := NewLineWriter(log, slog.LevelWarn, "encoder output")

	if _, err := w.Write([]byte("frame=1 fps=30\nframe=2")); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out.String(), "encoder output"); got != 1 {
		t.Fatalf("expected 1 record before flush, got %d: %s", got, out.String())
	}

	w.Write([]byte(" fps=31\r\n\n"))
	w.Flush()

	if got := strings.Count(out.String(), "encoder output"); got != 2 {
		t.Errorf("expected 2 records, got %d: %s", got, out.String())
	}
	if !strings.Contains(out.String(), "frame=2 fps=31") {
		t.Errorf("partial line should be joined: %s", out.String())
	}
	if !strings.Contains(out.String(), "level=WARN") {
		t.Errorf("expected WARN level records: %s", out.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
