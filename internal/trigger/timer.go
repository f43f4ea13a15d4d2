// Package trigger provides the built-in "timer" plugin. It runs named cron
// schedules and emits a Timer event each time one fires.
package trigger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Source is the source of every event the timer emits.
const Source = "timer"

// Info is the metadata of the timer plugin.
var Info = plugin.Info{
	Name:        "timer",
	Version:     "1.0.0",
	Description: "Cron schedules that emit timer events",
	Author:      "macrohost",
	Platforms:   []string{"linux", "darwin", "windows"},
	Capabilities: []plugin.Capability{
		plugin.CapEventGenerator,
		plugin.CapConfigurable,
		plugin.CapActionProvider,
	},
}

// Spec is one named schedule. The event name is the spec name and the
// payload, when set, is sent as text.
type Spec struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	Schedule string `json:"schedule" yaml:"schedule" mapstructure:"schedule"`
	Payload  string `json:"payload,omitempty" yaml:"payload,omitempty" mapstructure:"payload"`
}

type entry struct {
	spec Spec
	id   cron.EntryID
}

// Timer is an EventGenerator plugin backed by robfig/cron.
type Timer struct {
	*plugin.Base

	opts    options
	cron    *cron.Cron
	events  chan plugin.Event
	dropped atomic.Int64

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a timer with no schedules.
func New(opts ...Option) *Timer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newTimer(o)
}

func newTimer(o options) *Timer {
	c := o.Cron
	if c == nil {
		c = cron.New(cron.WithParser(o.Parser), cron.WithLocation(o.Location))
	}
	return &Timer{
		Base:    plugin.NewBase(Info, nil),
		opts:    o,
		cron:    c,
		events:  make(chan plugin.Event, o.Buffer),
		entries: make(map[string]entry),
	}
}

// Events implements plugin.EventGenerator. The channel stays open for the
// life of the timer so a stopped timer can be started again.
func (t *Timer) Events() <-chan plugin.Event { return t.events }

// Dropped returns how many events were discarded because the channel was full.
func (t *Timer) Dropped() int64 { return t.dropped.Load() }

// Add registers a schedule.
func (t *Timer) Add(spec Spec) error {
	const op = "trigger.Add"
	if spec.Name == "" {
		return apierrors.New(apierrors.CodeInvalidConfiguration, op, "timer name is required")
	}
	sched, err := t.opts.Parser.Parse(spec.Schedule)
	if err != nil {
		return apierrors.Wrapf(apierrors.CodeInvalidConfiguration, op, err, "timer %q schedule %q", spec.Name, spec.Schedule)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[spec.Name]; ok {
		return apierrors.New(apierrors.CodeAlreadyExists, op, "timer %q already exists", spec.Name)
	}
	id := t.cron.Schedule(sched, cron.FuncJob(func() { t.emit(spec) }))
	t.entries[spec.Name] = entry{spec: spec, id: id}
	return nil
}

// Remove drops a schedule.
func (t *Timer) Remove(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok {
		return apierrors.New(apierrors.CodeNotFound, "trigger.Remove", "timer %q not found", name)
	}
	t.cron.Remove(e.id)
	delete(t.entries, name)
	return nil
}

// Fire emits the event of a schedule now, whether or not the timer runs.
func (t *Timer) Fire(name string) error {
	t.mu.Lock()
	e, ok := t.entries[name]
	t.mu.Unlock()
	if !ok {
		return apierrors.New(apierrors.CodeNotFound, "trigger.Fire", "timer %q not found", name)
	}
	t.emit(e.spec)
	return nil
}

// Specs lists the registered schedules by name.
func (t *Timer) Specs() []Spec {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Spec, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Timer) emit(spec Spec) {
	var payload plugin.Payload
	if spec.Payload != "" {
		payload = plugin.TextPayload(spec.Payload)
	}
	ev := plugin.NewEvent(plugin.EventTimer, spec.Name, Source, payload)
	select {
	case t.events <- ev:
	default:
		t.dropped.Add(1)
		t.opts.Logger.Warn("timer event dropped", "timer", spec.Name)
	}
}

func (t *Timer) Start(ctx context.Context) error {
	if err := t.Transition(plugin.StateRunning); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Stop waits for running jobs to finish or ctx to be done.
func (t *Timer) Stop(ctx context.Context) error {
	if err := t.Transition(plugin.StateStopped); err != nil {
		return err
	}
	select {
	case <-t.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return apierrors.Wrap(apierrors.CodeTimeout, "trigger.Stop", ctx.Err())
	}
}

// UpdateConfig replaces every schedule when cfg carries a "timers" list.
// Nothing changes if any entry is invalid.
func (t *Timer) UpdateConfig(ctx context.Context, cfg plugin.Config) error {
	raw, ok := cfg["timers"]
	if ok {
		specs, err := SpecsFromConfig(raw)
		if err != nil {
			return err
		}
		if err := t.replace(specs); err != nil {
			return err
		}
	}
	return t.Base.UpdateConfig(ctx, cfg)
}

func (t *Timer) replace(specs []Spec) error {
	const op = "trigger.UpdateConfig"
	scheds := make([]cron.Schedule, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.Name == "" || seen[s.Name] {
			return apierrors.New(apierrors.CodeInvalidConfiguration, op, "timers[%d]: missing or duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		sched, err := t.opts.Parser.Parse(s.Schedule)
		if err != nil {
			return apierrors.Wrapf(apierrors.CodeInvalidConfiguration, op, err, "timers[%d] schedule %q", i, s.Schedule)
		}
		scheds[i] = sched
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for name, e := range t.entries {
		t.cron.Remove(e.id)
		delete(t.entries, name)
	}
	for i, s := range specs {
		spec := s
		id := t.cron.Schedule(scheds[i], cron.FuncJob(func() { t.emit(spec) }))
		t.entries[spec.Name] = entry{spec: spec, id: id}
	}
	return nil
}

// SpecsFromConfig decodes a "timers" config value: a list of objects with
// name, schedule and optional payload.
func SpecsFromConfig(raw any) ([]Spec, error) {
	const op = "trigger.SpecsFromConfig"
	switch v := raw.(type) {
	case []Spec:
		return slices.Clone(v), nil
	case []any:
		out := make([]Spec, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, apierrors.New(apierrors.CodeInvalidConfiguration, op, "timers[%d] is %T, not an object", i, item)
			}
			s := Spec{}
			for key, dst := range map[string]*string{"name": &s.Name, "schedule": &s.Schedule, "payload": &s.Payload} {
				if val, ok := m[key]; ok && val != nil {
					*dst = fmt.Sprint(val)
				}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, apierrors.New(apierrors.CodeInvalidConfiguration, op, "timers is %T, not a list", raw)
	}
}

// Clone returns a stopped timer with the same schedules and its own cron.
func (t *Timer) Clone() (plugin.Plugin, error) {
	o := t.opts
	o.Cron = nil
	c := newTimer(o)
	c.Base = t.Base.CloneBase()
	for _, s := range t.Specs() {
		if err := c.Add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ActionGroups implements action.Provider with the "Timer" group.
func (t *Timer) ActionGroups(ctx context.Context) ([]*action.Group, error) {
	owner := t.Info()
	g := action.NewGroup(owner, "Timer", "Timer schedules")
	if err := g.AddAction(newFireAction(owner, t)); err != nil {
		return nil, err
	}
	return []*action.Group{g}, nil
}

// fireAction emits a timer's event from a macro. Args: timer name.
type fireAction struct {
	*action.Base
	timer *Timer
}

func newFireAction(owner plugin.Info, t *Timer) *fireAction {
	return &fireAction{
		Base:  action.NewBase(owner, "Fire Timer", "Emits the event of a named timer now"),
		timer: t,
	}
}

func (a *fireAction) NewInstance() action.Action {
	return &fireAction{Base: a.Base.Renew(), timer: a.timer}
}

func (a *fireAction) Validate() error {
	args := a.ActionConfig().Args
	if len(args) > 0 && args[0] == "" {
		return apierrors.New(apierrors.CodeInvalidConfiguration, "trigger.FireTimer", "timer name cannot be empty")
	}
	return nil
}

func (a *fireAction) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	name := a.ActionConfig().Arg(0, "")
	if err := a.timer.Fire(name); err != nil {
		return action.Failed(err.Error()), nil
	}
	return action.Succeeded(fmt.Sprintf("Fired timer %s", name)), nil
}
