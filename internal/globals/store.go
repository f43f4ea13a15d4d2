// Package globals is the process-wide variable store macros share. The
// local backend keeps values in memory; the redis backend shares them
// between hosts and pushes remote changes to subscribers.
package globals

import (
	"context"
	"log/slog"
	"sync"

	"github.com/goatkit/macrohost/internal/apierrors"
)

// Store is a global variable backend.
type Store interface {
	Get(ctx context.Context, key string) (Value, error)
	Set(ctx context.Context, key string, v Value) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// Subscribe calls fn after every change of key, including changes made
	// by other hosts. The returned func removes the subscription.
	Subscribe(key string, fn func(key string, v Value)) (cancel func())
	// Keys lists the known keys.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

func notFound(op, key string) error {
	return apierrors.New(apierrors.CodeNotFound, op, "global %q not found", key)
}

type subscription struct {
	id int
	fn func(string, Value)
}

// subscribers fans changes out to per-key callbacks. Callbacks run outside
// the lock and a panicking callback is logged, not propagated.
type subscribers struct {
	mu     sync.RWMutex
	next   int
	byKey  map[string][]subscription
	logger *slog.Logger
}

func newSubscribers(logger *slog.Logger) *subscribers {
	if logger == nil {
		logger = slog.Default()
	}
	return &subscribers{byKey: make(map[string][]subscription), logger: logger}
}

func (s *subscribers) add(key string, fn func(string, Value)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.byKey[key] = append(s.byKey[key], subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.byKey[key]
			for i, sub := range subs {
				if sub.id == id {
					s.byKey[key] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(s.byKey[key]) == 0 {
				delete(s.byKey, key)
			}
		})
	}
}

func (s *subscribers) notify(key string, v Value) {
	s.mu.RLock()
	subs := append([]subscription(nil), s.byKey[key]...)
	s.mu.RUnlock()
	for _, sub := range subs {
		s.call(sub, key, v)
	}
}

func (s *subscribers) call(sub subscription, key string, v Value) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("globals subscriber panicked", "key", key, "panic", r)
		}
	}()
	sub.fn(key, v)
}

func (s *subscribers) count(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey[key])
}

// Open creates the backend named by backend: "local" (or "") or "redis".
func Open(ctx context.Context, backend, url, prefix string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", "local", "memory":
		return NewLocal(logger), nil
	case "redis":
		if url == "" {
			return nil, apierrors.New(apierrors.CodeInvalidConfiguration, "globals.Open", "redis backend needs a url")
		}
		return OpenRedis(ctx, url, prefix, logger)
	}
	return nil, apierrors.New(apierrors.CodeInvalidConfiguration, "globals.Open", "unknown globals backend %q", backend)
}
