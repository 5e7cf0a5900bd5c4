package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSetupFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format string
		want   string
	}{
		{FormatJSON, `"msg":"loaded"`},
		{FormatText, `msg=loaded`},
		{FormatPretty, `INFO  loaded`},
		{"", `INFO  loaded`},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := Setup(&buf, Options{Format: tt.format, Level: slog.LevelInfo})
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			log.Info("loaded", "model", "mini")
			if !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("expected %q in output, got: %s", tt.want, buf.String())
			}
		})
	}
}

func TestSetupUnknownFormat(t *testing.T) {
	t.Parallel()
	if _, err := Setup(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log, err := Setup(&buf, Options{Format: FormatJSON, Level: slog.LevelWarn})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Info("hidden")
	log.Debug("hidden too")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}
	if log.Enabled(slog.LevelInfo) {
		t.Fatal("Enabled(info) should be false at warn level")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn message, got: %s", buf.String())
	}
}

func TestPrettyWithoutColorForBuffers(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log, err := Setup(&buf, Options{Format: FormatPretty, Level: slog.LevelDebug})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Debug("forward", "elapsed", 1500*time.Microsecond, "tokens", 3)
	out := buf.String()
	if strings.Contains(out, "\033[") {
		t.Fatalf("non-terminal writer got ANSI codes: %q", out)
	}
	if !strings.Contains(out, "elapsed=1.5ms") || !strings.Contains(out, "tokens=3") {
		t.Fatalf("unexpected attrs: %s", out)
	}
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil)).Error("boom")
	if !strings.Contains(buf.String(), ansiRed) {
		t.Fatalf("expected red error level, got: %q", buf.String())
	}
}

func TestPrettyGroupsAndAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	h.color = false
	log := New(h).With("svc", "vectord").WithGroup("req").With("id", "r1")
	log.Info("done", "status", 200, slog.Group("timing", "ms", 4))

	out := buf.String()
	for _, want := range []string{"svc=vectord", "req.id=r1", "req.status=200", "req.timing.ms=4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	h.color = false
	slog.New(h).Info("x", "simple", "word", "text", `a "b" c`)
	out := buf.String()
	if !strings.Contains(out, "simple=word") {
		t.Fatalf("simple strings should not be quoted: %s", out)
	}
	if !strings.Contains(out, `text="a \"b\" c"`) {
		t.Fatalf("expected quoted value: %s", out)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"k=v", true},
		{"", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.want {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log, _ := Setup(&buf, Options{Format: FormatJSON})
	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("expected message through context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger returned nil")
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("nothing")
	if log.Enabled(slog.LevelError) {
		t.Fatal("discard logger should not be enabled")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}
