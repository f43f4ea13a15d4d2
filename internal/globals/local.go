package globals

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Local keeps globals in memory.
type Local struct {
	mu     sync.RWMutex
	values map[string]Value
	subs   *subscribers
}

// NewLocal creates an empty in-memory store.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{values: make(map[string]Value), subs: newSubscribers(logger)}
}

func (l *Local) Get(ctx context.Context, key string) (Value, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.values[key]
	if !ok {
		return Value{}, notFound("globals.Get", key)
	}
	return v, nil
}

func (l *Local) Set(ctx context.Context, key string, v Value) error {
	l.mu.Lock()
	l.values[key] = v
	l.mu.Unlock()
	l.subs.notify(key, v)
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.values[key]
	return ok, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (l *Local) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.values, key)
	l.mu.Unlock()
	return nil
}

func (l *Local) Subscribe(key string, fn func(string, Value)) func() {
	return l.subs.add(key, fn)
}

func (l *Local) Keys(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.values))
	for k := range l.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) Close() error { return nil }
