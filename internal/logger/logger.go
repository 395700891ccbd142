// Package logger installs a colored slog handler as the process default.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fatih/color"
)

const LevelFatal slog.Level = 12

// Handler writes one line per record: time | LEVEL | message key=value...
// Writes happen on a background goroutine so the tick loop never blocks on
// a terminal or file.
type Handler struct {
	out    *sink
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

type sink struct {
	ch     chan []byte
	w      io.Writer
	file   *os.File
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func (s *sink) run() {
	defer s.wg.Done()
	for b := range s.ch {
		_, _ = s.w.Write(b)
	}
}

func (s *sink) write(b []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- b
}

func (s *sink) close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		if s.file != nil {
			_ = s.file.Sync()
			err = s.file.Close()
		}
	})
	return err
}

// NewHandler logs to w. When path is set, records are also appended to that
// file; its directory is created if needed.
func NewHandler(w io.Writer, path string, level slog.Leveler) (*Handler, error) {
	s := &sink{ch: make(chan []byte, 1024), w: w}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		s.file = f
		s.w = io.MultiWriter(w, f)
	}
	s.wg.Add(1)
	go s.run()
	return &Handler{out: s, level: level}, nil
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(color.GreenString(r.Time.Format("2006-01-02T15:04:05.000")))
	b.WriteString(" | ")
	b.WriteString(levelString(r.Level))
	b.WriteString(" | ")
	b.WriteString(color.CyanString(r.Message))
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')
	h.out.write([]byte(b.String()))
	return nil
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, g := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", g)
		}
		return
	}
	b.WriteString(color.CyanString(" %s%s=%v", prefix, a.Key, a.Value))
}

func levelString(l slog.Level) string {
	switch {
	case l >= LevelFatal:
		return color.HiRedString("FATAL")
	case l >= slog.LevelError:
		return color.RedString("%-5s", l.String())
	case l >= slog.LevelWarn:
		return color.YellowString("%-5s", l.String())
	case l >= slog.LevelInfo:
		return color.BlueString("%-5s", l.String())
	default:
		return color.MagentaString("%-5s", l.String())
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// Close flushes pending lines. Records logged afterwards are dropped.
func (h *Handler) Close() error { return h.out.close() }

// ParseLevel accepts debug, info, warn, error and fatal.
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "fatal") {
		return LevelFatal, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// Init builds a handler on stderr, installs it as slog's default and returns
// it so the caller can Close it on shutdown.
func Init(level, path string) (*Handler, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	h, err := NewHandler(os.Stderr, path, l)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(h))
	slog.Debug("logger_initialized", "level", l.String(), "file", path)
	return h, nil
}

func Fatal(msg string, args ...any) {
	slog.Log(context.Background(), LevelFatal, msg, args...)
}
