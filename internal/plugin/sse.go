package plugin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Notice is a registry change pushed to stream clients.
type Notice struct {
	Seq    uint64          `json:"seq"`
	Plugin string          `json:"plugin"`
	Kind   ChangeKind      `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NoticeFilter selects notices. Empty fields match everything.
type NoticeFilter struct {
	Plugin string
	Kinds  []ChangeKind
}

func (f NoticeFilter) match(n Notice) bool {
	if f.Plugin != "" && f.Plugin != n.Plugin {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == n.Kind {
			return true
		}
	}
	return false
}

// SSEBroker fans registry notices out to server-sent-event clients. A client
// that falls behind loses notices; the publisher never blocks.
type SSEBroker struct {
	mu      sync.RWMutex
	clients map[chan Notice]NoticeFilter
	closed  bool

	seq     atomic.Uint64
	dropped atomic.Int64

	// Heartbeat is the comment interval that keeps idle connections open.
	Heartbeat time.Duration
	// Buffer is the per-client channel capacity.
	Buffer int
}

func NewSSEBroker() *SSEBroker {
	return &SSEBroker{
		clients:   make(map[chan Notice]NoticeFilter),
		Heartbeat: 15 * time.Second,
		Buffer:    32,
	}
}

// Subscribe registers a client. The channel is closed by Unsubscribe or
// Close. Subscribing to a closed broker returns a closed channel.
func (b *SSEBroker) Subscribe(f NoticeFilter) chan Notice {
	ch := make(chan Notice, max(b.Buffer, 1))
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.clients[ch] = f
	return ch
}

// Unsubscribe removes a client. Repeated calls are no-ops.
func (b *SSEBroker) Unsubscribe(ch chan Notice) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish stamps n with the next sequence number and delivers it.
func (b *SSEBroker) Publish(n Notice) {
	n.Seq = b.seq.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, f := range b.clients {
		if !f.match(n) {
			continue
		}
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishJSON publishes data marshalled as the notice payload.
func (b *SSEBroker) PublishJSON(plugin string, kind ChangeKind, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(`{}`)
	}
	b.Publish(Notice{Plugin: plugin, Kind: kind, Data: raw})
}

// Close disconnects every client and rejects new ones.
func (b *SSEBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.clients {
		close(ch)
	}
	clear(b.clients)
}

// ClientCount returns the number of connected clients.
func (b *SSEBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped returns how many notices slow clients missed.
func (b *SSEBroker) Dropped() int64 { return b.dropped.Load() }

// ServeHTTP streams notices. Query parameters: plugin (name) and kind
// (comma separated change kinds).
func (b *SSEBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	f := NoticeFilter{Plugin: r.URL.Query().Get("plugin")}
	for _, k := range strings.Split(r.URL.Query().Get("kind"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			f.Kinds = append(f.Kinds, ChangeKind(k))
		}
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	ch := b.Subscribe(f)
	defer b.Unsubscribe(ch)

	fmt.Fprint(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	beat := b.Heartbeat
	if beat <= 0 {
		beat = 15 * time.Second
	}
	ticker := time.NewTicker(beat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
		case n, ok := <-ch:
			if !ok {
				return
			}
			data := n.Data
			if len(data) == 0 {
				data = json.RawMessage(`{}`)
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", n.Seq, n.Kind, data)
		}
		flusher.Flush()
	}
}
