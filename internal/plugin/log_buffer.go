package plugin

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goatkit/macrohost/internal/apierrors"
)

// LogEntry is one buffered log line attributed to a plugin.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Plugin    string         `json:"plugin"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`

	level slog.Level
}

// LogQuery filters LogBuffer.Query. Zero values match everything.
type LogQuery struct {
	Plugin string
	// MinLevel is a slog level name such as "warn" or "debug+2".
	MinLevel string
	// Limit caps the result at the newest Limit entries.
	Limit int
}

// LogBuffer keeps the most recent plugin log entries in a ring.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogBuffer creates a buffer holding size entries (1000 if size <= 0).
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1000
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

func parseLevel(s string) (slog.Level, bool) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, false
	}
	return l, true
}

// Add stores e, evicting the oldest entry when full.
func (b *LogBuffer) Add(e LogEntry) {
	e.level, _ = parseLevel(e.Level)
	e.Level = strings.ToLower(e.level.String())
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Log is Add with the current time.
func (b *LogBuffer) Log(plugin, level, message string, fields map[string]any) {
	b.Add(LogEntry{Timestamp: time.Now(), Plugin: plugin, Level: level, Message: message, Fields: fields})
}

// Query returns matching entries, newest first.
func (b *LogBuffer) Query(q LogQuery) ([]LogEntry, error) {
	minLevel := slog.Level(-1 << 10)
	if q.MinLevel != "" {
		l, ok := parseLevel(q.MinLevel)
		if !ok {
			return nil, apierrors.New(apierrors.CodeInvalidArgument, "plugin.LogQuery", "unknown log level %q", q.MinLevel)
		}
		minLevel = l
	}
	if q.Limit < 0 {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "plugin.LogQuery", "limit must not be negative")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.lenLocked()
	out := []LogEntry{}
	for i := 1; i <= n; i++ {
		e := b.entries[(b.next-i+len(b.entries))%len(b.entries)]
		if e.level < minLevel || (q.Plugin != "" && e.Plugin != q.Plugin) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (b *LogBuffer) lenLocked() int {
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// Clear drops every entry.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	clear(b.entries)
	b.next, b.full = 0, false
	b.mu.Unlock()
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lenLocked()
}

// BufferHandler is a slog.Handler that copies records carrying a "plugin"
// attribute into a LogBuffer before passing them on.
type BufferHandler struct {
	buf    *LogBuffer
	next   slog.Handler
	attrs  []slog.Attr
	plugin string
}

func NewBufferHandler(buf *LogBuffer, next slog.Handler) *BufferHandler {
	return &BufferHandler{buf: buf, next: next}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	name := h.plugin
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	add := func(a slog.Attr) bool {
		if a.Key == "plugin" {
			name = a.Value.String()
		} else {
			fields[a.Key] = a.Value.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)
	if name != "" {
		if len(fields) == 0 {
			fields = nil
		}
		h.buf.Add(LogEntry{Timestamp: r.Time, Plugin: name, Level: r.Level.String(), Message: r.Message, Fields: fields})
	}
	return h.next.Handle(ctx, r)
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == "plugin" {
			c.plugin = a.Value.String()
		}
	}
	return &c
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	return &c
}
