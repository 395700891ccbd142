package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestHandlerFormat(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	h, err := NewHandler(&buf, "", slog.LevelInfo)
	if err != nil {
		t.Fatal(err)
	}
	log := slog.New(h).With("slot", 1)
	log.Debug("hidden")
	log.Info("rollback", "from", 10)
	log.WithGroup("net").Warn("peer_lost", "ping", "40ms")
	slog.New(h).Log(context.Background(), LevelFatal, "boom")
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q", lines)
	}
	if !strings.Contains(lines[0], "| INFO  | rollback slot=1 from=10") {
		t.Fatalf("line 0: %q", lines[0])
	}
	if !strings.Contains(lines[1], "| WARN  | peer_lost slot=1 net.ping=40ms") {
		t.Fatalf("line 1: %q", lines[1])
	}
	if !strings.Contains(lines[2], "| FATAL | boom") {
		t.Fatalf("line 2: %q", lines[2])
	}
}

func TestHandlerFile(t *testing.T) {
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "logs", "fighter.log")
	var buf bytes.Buffer
	h, err := NewHandler(&buf, path, slog.LevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	slog.New(h).Debug("hello")
	_ = h.Close()
	slog.New(h).Info("after close")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "hello") || strings.Contains(string(b), "after close") {
		t.Fatalf("file=%q", b)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "fatal": LevelFatal} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("%s: %v %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("unknown level accepted")
	}
}
