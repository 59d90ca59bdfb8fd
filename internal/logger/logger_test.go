package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestWriterDefaultsToStderr(t *testing.T) {
	w, err := Config{}.Writer()
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, ok := w.(nopCloser); !ok {
		t.Fatalf("expected stderr writer, got %T", w)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestWriterRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "slice-0.log")
	w, err := Config{File: path, MaxSizeMB: 1}.Writer()
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("expected lumberjack logger, got %T", w)
	}
	if l.MaxSize != 1 || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected rotation settings: %+v", l)
	}
	_, _ = w.Write([]byte("rotation\n"))
	_ = w.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	for _, f := range []string{"", "text", "json", "color", "JSON"} {
		if _, err := NewHandler(&buf, Config{Format: f}); err != nil {
			t.Errorf("format %q: %v", f, err)
		}
	}
	if _, err := NewHandler(&buf, Config{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := NewHandler(&buf, Config{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Config{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	l := slog.New(h)
	l.Info("hidden")
	l.Warn("device fallback", "function", "vdl2")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "device fallback") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestColorHandlerKeepsColorWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil)).With("service", "web")
	l.Error("boom")
	out := buf.String()
	if !strings.Contains(out, "[31mERROR") || !strings.Contains(out, "service=web") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) != slog.Default() {
		t.Fatal("nil should map to slog.Default")
	}
	d := Discard()
	if OrDefault(d) != d {
		t.Fatal("non-nil logger should be returned as-is")
	}
}
