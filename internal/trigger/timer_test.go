package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

func newTestTimer(t *testing.T, opts ...Option) *Timer {
	t.Helper()
	cronEngine := cron.New(cron.WithParser(DefaultParser), cron.WithLocation(time.UTC))
	t.Cleanup(func() { cronEngine.Stop() })
	return New(append([]Option{WithCron(cronEngine), WithLocation(time.UTC)}, opts...)...)
}

func receive(t *testing.T, tm *Timer, within time.Duration) plugin.Event {
	t.Helper()
	select {
	case ev := <-tm.Events():
		return ev
	case <-time.After(within):
		t.Fatal("no timer event")
		return plugin.Event{}
	}
}

func TestAddRemove(t *testing.T) {
	tm := newTestTimer(t)

	require.NoError(t, tm.Add(Spec{Name: "nightly", Schedule: "0 3 * * *"}))
	require.NoError(t, tm.Add(Spec{Name: "backup", Schedule: "@every 1h", Payload: "full"}))

	err := tm.Add(Spec{Name: "nightly", Schedule: "@daily"})
	assert.True(t, errors.Is(err, apierrors.ErrAlreadyExists))

	err = tm.Add(Spec{Name: "broken", Schedule: "every tuesday"})
	assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))

	err = tm.Add(Spec{Schedule: "@hourly"})
	assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))

	specs := tm.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "backup", specs[0].Name)
	assert.Equal(t, "nightly", specs[1].Name)

	require.NoError(t, tm.Remove("nightly"))
	assert.True(t, errors.Is(tm.Remove("nightly"), apierrors.ErrNotFound))
	assert.Len(t, tm.Specs(), 1)
}

func TestFire(t *testing.T) {
	tm := newTestTimer(t)
	require.NoError(t, tm.Add(Spec{Name: "backup", Schedule: "@every 1h", Payload: "full"}))
	require.NoError(t, tm.Add(Spec{Name: "ping", Schedule: "@every 1h"}))

	require.NoError(t, tm.Fire("backup"))
	ev := receive(t, tm, time.Second)
	assert.Equal(t, plugin.EventTimer, ev.Type)
	assert.Equal(t, "backup", ev.Name)
	assert.Equal(t, Source, ev.Source)
	assert.Equal(t, "full", ev.Payload.String())

	require.NoError(t, tm.Fire("ping"))
	ev = receive(t, tm, time.Second)
	assert.Equal(t, plugin.PayloadNone, ev.Payload.Kind)

	assert.True(t, errors.Is(tm.Fire("missing"), apierrors.ErrNotFound))
}

func TestDropWhenFull(t *testing.T) {
	tm := newTestTimer(t, WithBuffer(1))
	require.NoError(t, tm.Add(Spec{Name: "tick", Schedule: "@every 1h"}))

	require.NoError(t, tm.Fire("tick"))
	require.NoError(t, tm.Fire("tick"))
	require.NoError(t, tm.Fire("tick"))

	assert.Equal(t, int64(2), tm.Dropped())
	assert.Len(t, tm.Events(), 1)
}

func TestScheduleFires(t *testing.T) {
	tm := newTestTimer(t)
	ctx := context.Background()
	require.NoError(t, tm.Add(Spec{Name: "second", Schedule: "* * * * * *"}))

	require.NoError(t, tm.Initialize(ctx))
	require.NoError(t, tm.Start(ctx))
	assert.Equal(t, plugin.StateRunning, tm.State())

	ev := receive(t, tm, 3*time.Second)
	assert.Equal(t, "second", ev.Name)

	require.NoError(t, tm.Stop(ctx))
	assert.Equal(t, plugin.StateStopped, tm.State())
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	tm := newTestTimer(t)
	require.NoError(t, tm.Add(Spec{Name: "old", Schedule: "@hourly"}))

	cfg := plugin.Config{"timers": []any{
		map[string]any{"name": "a", "schedule": "@daily", "payload": 7},
		map[string]any{"name": "b", "schedule": "*/5 * * * *"},
	}}
	require.NoError(t, tm.UpdateConfig(ctx, cfg))
	assert.Equal(t, []Spec{
		{Name: "a", Schedule: "@daily", Payload: "7"},
		{Name: "b", Schedule: "*/5 * * * *"},
	}, tm.Specs())
	stored, ok := tm.Config()
	require.True(t, ok)
	assert.Contains(t, stored, "timers")

	t.Run("invalid leaves schedules alone", func(t *testing.T) {
		bad := plugin.Config{"timers": []any{
			map[string]any{"name": "c", "schedule": "@daily"},
			map[string]any{"name": "d", "schedule": "never"},
		}}
		err := tm.UpdateConfig(ctx, bad)
		assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))
		assert.Len(t, tm.Specs(), 2)
	})

	t.Run("duplicate names", func(t *testing.T) {
		dup := plugin.Config{"timers": []any{
			map[string]any{"name": "c", "schedule": "@daily"},
			map[string]any{"name": "c", "schedule": "@hourly"},
		}}
		assert.True(t, errors.Is(tm.UpdateConfig(ctx, dup), apierrors.ErrInvalidConfiguration))
	})

	t.Run("not a list", func(t *testing.T) {
		assert.True(t, errors.Is(tm.UpdateConfig(ctx, plugin.Config{"timers": "x"}), apierrors.ErrInvalidConfiguration))
	})
}

func TestClone(t *testing.T) {
	tm := newTestTimer(t)
	require.NoError(t, tm.Add(Spec{Name: "a", Schedule: "@daily"}))

	p, err := tm.Clone()
	require.NoError(t, err)
	clone := p.(*Timer)
	assert.Equal(t, plugin.StateCreated, clone.State())
	assert.Equal(t, tm.Specs(), clone.Specs())
	assert.NotSame(t, tm.cron, clone.cron)
}

func TestFireTimerAction(t *testing.T) {
	ctx := context.Background()
	tm := newTestTimer(t)
	require.NoError(t, tm.Add(Spec{Name: "a", Schedule: "@daily"}))

	groups, err := tm.ActionGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	catalog, ok := groups[0].FindByName("Fire Timer")
	require.True(t, ok)

	a := catalog.(action.Instancer).NewInstance()
	require.NoError(t, a.Configure(ctx, action.DefaultConfig("a")))
	res, err := a.Execute(ctx, plugin.Event{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "a", receive(t, tm, time.Second).Name)

	require.NoError(t, a.Configure(ctx, action.DefaultConfig("missing")))
	res, err = a.Execute(ctx, plugin.Event{})
	require.NoError(t, err)
	assert.False(t, res.Success)
}
