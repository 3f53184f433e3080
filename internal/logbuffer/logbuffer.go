// Package logbuffer implements the slog.Handler backing GET /logs: every
// record is written to a rotating file via lumberjack and also appended to
// a bounded in-memory ring for the HTTP endpoint, per SPEC_FULL §8. Grounded
// on the teacher's structured-logging style (slog.LogAttrs throughout
// internal/server/middleware.go) extended with a tee rather than a single
// sink, since the dashboard needs recent log lines without tailing a file.
package logbuffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one captured log line, the shape returned by GET /logs.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ring is a bounded FIFO of recent log records.
type Ring struct {
	mu   sync.Mutex
	data []Record
	cap  int
	head int
	n    int
}

// NewRing creates a ring holding up to capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{data: make([]Record, capacity), cap: capacity}
}

func (r *Ring) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.n) % r.cap
	r.data[idx] = rec
	if r.n < r.cap {
		r.n++
	} else {
		r.head = (r.head + 1) % r.cap
	}
}

// Snapshot returns the currently held records, oldest first.
func (r *Ring) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.data[(r.head+i)%r.cap]
	}
	return out
}

// Clear empties the ring, for POST /control/clear-logs. Never touches the
// rotating file sink or any persisted stats/trace state.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.n = 0, 0
}

// Handler is an slog.Handler that tees every record to a lumberjack-backed
// rotating file (via an underlying slog.JSONHandler) and to a Ring.
type Handler struct {
	inner slog.Handler
	ring  *Ring
	attrs []slog.Attr
}

// Config tunes the rotating file sink and the in-memory ring capacity.
type Config struct {
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	RingSize   int
	Level      slog.Leveler
}

// New builds a Handler and its backing Ring. The caller installs the
// returned handler with slog.SetDefault(slog.New(handler)).
func New(cfg Config) (*Handler, *Ring) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 14
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	level := cfg.Level
	if level == nil {
		level = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: level})
	ring := NewRing(cfg.RingSize)
	return &Handler{inner: inner, ring: ring}, ring
}

// Enabled delegates to the file handler's level gate.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle writes rec to the file sink and appends a flattened copy to the ring.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	attrs := make(map[string]any, rec.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.ring.add(Record{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		Attrs:   attrs,
	})
	return h.inner.Handle(ctx, rec)
}

// WithAttrs returns a new Handler carrying attrs, sharing the same ring and
// file sink (matching slog.Handler's documented immutable-derivation contract).
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner: h.inner.WithAttrs(attrs),
		ring:  h.ring,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

// WithGroup returns a new Handler scoped to the named group.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner: h.inner.WithGroup(name),
		ring:  h.ring,
		attrs: h.attrs,
	}
}
