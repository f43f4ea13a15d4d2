package plugin

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if rl.allow() {
		t.Error("4th call within window should be refused")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.allow() {
		t.Error("window should have slid")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := rateLimiter{disabled: true, max: 1}
	if rl.enabled() {
		t.Error("disabled limiter reports enabled")
	}
	var zero rateLimiter
	if zero.enabled() {
		t.Error("zero limiter reports enabled")
	}
}

func TestDispatchGuard(t *testing.T) {
	id := uuid.New()

	t.Run("throttles and counts drops", func(t *testing.T) {
		g := NewDispatchGuard(2)
		allowed := 0
		for i := 0; i < 5; i++ {
			if g.Allow(id) {
				allowed++
				g.Record(id, nil)
			}
		}
		if allowed != 2 {
			t.Errorf("expected 2 allowed, got %d", allowed)
		}
		s := g.Stats(id)
		if s.Delivered != 2 || s.Dropped != 3 {
			t.Errorf("unexpected stats %+v", s)
		}
		if s.LastEventAt == 0 {
			t.Error("LastEventAt not set")
		}
	})

	t.Run("unlimited", func(t *testing.T) {
		g := NewDispatchGuard(0)
		for i := 0; i < 100; i++ {
			if !g.Allow(id) {
				t.Fatal("unlimited guard refused")
			}
		}
	})

	t.Run("errors and forget", func(t *testing.T) {
		g := NewDispatchGuard(0)
		g.Record(id, errors.New("boom"))
		if g.Stats(id).Errors != 1 {
			t.Error("error not counted")
		}
		g.Forget(id)
		if g.Stats(id).Delivered != 0 {
			t.Error("stats survived Forget")
		}
	})
}
