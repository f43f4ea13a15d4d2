package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateInitialized, true},
		{StateCreated, StateRunning, false},
		{StateInitialized, StateRunning, true},
		{StateInitialized, StateStopped, false},
		{StateRunning, StateStopped, true},
		{StateRunning, StateInitialized, false},
		{StateStopped, StateRunning, true},
		{StateStopped, StateError, true},
		{StateError, StateRunning, false},
		{StateCreated, StateError, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestBaseLifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewBase(Info{Name: "demo"}, Config{"a": 1})

	assert.Equal(t, NameID("demo"), b.Info().ID)
	assert.Equal(t, StateCreated, b.State())

	err := b.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, StateRunning, b.State())

	b.Fail("disk gone")
	assert.Equal(t, StateError, b.State())
	assert.Equal(t, "disk gone", b.Reason())
	assert.Error(t, b.Start(ctx))
}

func TestBaseConfigIsolation(t *testing.T) {
	ctx := context.Background()
	b := NewBase(Info{Name: "demo"}, Config{"nested": map[string]any{"k": "v"}})

	cfg, ok := b.Config()
	require.True(t, ok)
	cfg["nested"].(map[string]any)["k"] = "changed"

	again, _ := b.Config()
	assert.Equal(t, "v", again["nested"].(map[string]any)["k"])

	require.NoError(t, b.UpdateConfig(ctx, Config{"x": "y"}))
	clone := b.CloneBase()
	assert.Equal(t, StateCreated, clone.State())
	cloned, _ := clone.Config()
	assert.Equal(t, "y", cloned.GetString("x", ""))
}

func TestBaseWithoutConfig(t *testing.T) {
	b := NewBase(Info{Name: "bare"}, nil)
	_, ok := b.Config()
	assert.False(t, ok)
}
