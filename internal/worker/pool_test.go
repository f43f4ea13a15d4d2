package worker

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/internal/apierrors"
)

func TestNew(t *testing.T) {
	assert.Equal(t, 3, New(3).Size())
	assert.Equal(t, runtime.NumCPU(), New(0).Size())
}

func TestDo(t *testing.T) {
	p := New(1)

	t.Run("runs and returns the error", func(t *testing.T) {
		boom := errors.New("boom")
		err := p.Do(context.Background(), func(ctx context.Context) error {
			assert.Equal(t, int64(1), p.InFlight())
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int64(0), p.InFlight())
	})

	t.Run("waiting for a slot times out", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		go func() {
			_ = p.Do(context.Background(), func(ctx context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		ran := false
		err := p.Do(ctx, func(ctx context.Context) error { ran = true; return nil })
		assert.True(t, errors.Is(err, apierrors.ErrTimeout))
		assert.False(t, ran)
		close(release)
	})
}

func TestAll(t *testing.T) {
	p := New(2)

	t.Run("bounded", func(t *testing.T) {
		var running, peak atomic.Int64
		job := func(ctx context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}
		require.NoError(t, p.All(context.Background(), job, job, job, job, job))
		assert.LessOrEqual(t, peak.Load(), int64(2))
	})

	t.Run("first error cancels the rest", func(t *testing.T) {
		boom := errors.New("boom")
		err := p.All(context.Background(),
			func(ctx context.Context) error { return boom },
			func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Second):
					return nil
				}
			},
		)
		assert.ErrorIs(t, err, boom)
	})
}
