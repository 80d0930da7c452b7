package loader

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger for the loader.
// It discards everything until InitLogger is called.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// InitLogger configures the loader logger.
// Console output is always on: INFO to stdout, WARN and ERROR to stderr.
// With debug set, DEBUG records go to stdout as well.
// If logDir is non-empty, records are also written to rotating files:
//   - loader_warn.log  - WARN + ERROR
//   - loader_info.log  - INFO only
//   - loader_debug.log - DEBUG only
func InitLogger(logDir string, debug bool) {
	consoleMin := slog.LevelInfo
	if debug {
		consoleMin = slog.LevelDebug
	}
	handlers := []slog.Handler{
		&consoleHandler{
			min:    consoleMin,
			stdout: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: consoleMin}),
			stderr: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		},
		&errorCaptureHandler{},
	}

	if logDir != "" {
		os.MkdirAll(logDir, 0750) //nolint:errcheck
		handlers = append(handlers,
			rotatingHandler(logDir, "loader_warn.log", 100, 3, slog.LevelWarn, slog.LevelError),
			rotatingHandler(logDir, "loader_info.log", 2, 1, slog.LevelInfo, slog.LevelInfo),
			rotatingHandler(logDir, "loader_debug.log", 2, 1, slog.LevelDebug, slog.LevelDebug),
		)
	}

	logger = slog.New(&multiHandler{handlers: handlers})
	slog.SetDefault(logger)
}

func rotatingHandler(dir, name string, maxSizeMB, backups int, min, max slog.Level) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxSizeMB,
		MaxBackups: backups,
	}
	return &levelRangeHandler{
		min:   min,
		max:   max,
		inner: slog.NewTextHandler(w, &slog.HandlerOptions{Level: min}),
	}
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// logEnabled reports whether the given level is enabled.
// Guards expensive DEBUG logging on the tick path.
func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// --- consoleHandler: INFO (or DEBUG) to stdout, WARN+ to stderr ---

type consoleHandler struct {
	min    slog.Level
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{min: h.min, stdout: h.stdout.WithAttrs(attrs), stderr: h.stderr.WithAttrs(attrs)}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{min: h.min, stdout: h.stdout.WithGroup(name), stderr: h.stderr.WithGroup(name)}
}

// --- errorCaptureHandler: keeps the most recent warnings and errors ---

const errorRingSize = 8

// LogEntry is a captured warning or error record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Comp    string    `json:"comp"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
	Error   string    `json:"error,omitempty"`
}

var errorRing struct {
	mu      sync.Mutex
	entries [errorRingSize]LogEntry
	count   int
}

// RecentErrors returns the most recent warning and error records, newest first.
func RecentErrors() []LogEntry {
	errorRing.mu.Lock()
	defer errorRing.mu.Unlock()
	n := min(errorRing.count, errorRingSize)
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = errorRing.entries[(errorRing.count-1-i)%errorRingSize]
	}
	return out
}

type errorCaptureHandler struct {
	attrs []slog.Attr
}

func (h *errorCaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *errorCaptureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	collect := func(a slog.Attr) bool {
		switch a.Key {
		case "comp":
			entry.Comp = a.Value.String()
		case "path":
			entry.Path = a.Value.String()
		case "err":
			entry.Error = a.Value.String()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	errorRing.mu.Lock()
	errorRing.entries[errorRing.count%errorRingSize] = entry
	errorRing.count++
	errorRing.mu.Unlock()
	return nil
}

// The component tag arrives through WithAttrs, so it has to be kept.
func (h *errorCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &errorCaptureHandler{attrs: merged}
}

func (h *errorCaptureHandler) WithGroup(_ string) slog.Handler { return h }

// --- levelRangeHandler: passes only records within [min, max] ---

type levelRangeHandler struct {
	min, max slog.Level
	inner    slog.Handler
}

func (h *levelRangeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min && level <= h.max
}

func (h *levelRangeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelRangeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelRangeHandler) WithGroup(name string) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithGroup(name)}
}

// --- multiHandler: fans out to every enabled handler ---

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
