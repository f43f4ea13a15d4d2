package macro

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	actionmgr "github.com/goatkit/macrohost/internal/action"
	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/metrics"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// MaxCallDepth bounds nested macro calls made with return.
const MaxCallDepth = 64

// Run is the outcome of one macro execution.
type Run struct {
	ID         uuid.UUID
	MacroID    uuid.UUID
	MacroName  string
	State      State
	Reason     string
	Steps      int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// Runner drives contexts of an Engine through macros of a Library.
type Runner struct {
	engine   *Engine
	library  *Library
	logger   *slog.Logger
	poll     time.Duration
	recorder Recorder

	metrics       *metrics.MacroMetrics
	actionMetrics *metrics.ActionMetrics
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollInterval sets how often a paused context is checked for resume.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.poll = d }
}

// WithRecorder persists every finished run.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// NewRunner creates a runner.
func NewRunner(e *Engine, lib *Library, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		engine:        e,
		library:       lib,
		logger:        logger,
		poll:          50 * time.Millisecond,
		metrics:       metrics.Macros(),
		actionMetrics: metrics.Actions(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Engine returns the engine the runner drives.
func (r *Runner) Engine() *Engine { return r.engine }

// Library returns the macro library.
func (r *Runner) Library() *Library { return r.library }

// Run executes the macro to completion in a new context. It returns nil
// when the macro completes or its context is stopped, and an
// InvalidOperation error naming the action and its index when an action
// fails.
func (r *Runner) Run(ctx context.Context, macroID uuid.UUID, trigger *plugin.Event) error {
	execID, err := r.Execute(macroID, trigger)
	if err != nil {
		return err
	}
	return r.Drive(ctx, execID)
}

// Execute registers and starts a new context for the macro and returns its
// execution id. Drive runs it.
func (r *Runner) Execute(macroID uuid.UUID, trigger *plugin.Event) (uuid.UUID, error) {
	const op = "macro.Run"
	m, ok := r.library.Get(macroID)
	if !ok {
		return uuid.Nil, apierrors.New(apierrors.CodeNotFound, op, "macro %s not found", macroID)
	}
	if !m.Enabled {
		return uuid.Nil, apierrors.New(apierrors.CodeInvalidState, op, "macro %q is disabled", m.Name)
	}
	execID, err := r.engine.ExecuteMacro(macroID, trigger)
	if err != nil {
		return uuid.Nil, err
	}
	if err := r.engine.StartMacro(execID); err != nil {
		_ = r.engine.StopMacro(execID)
		return uuid.Nil, err
	}
	return execID, nil
}

// Drive runs the context execID until it finishes or is stopped and records
// the run.
func (r *Runner) Drive(ctx context.Context, execID uuid.UUID) error {
	const op = "macro.Run"
	snap, ok := r.engine.Context(execID)
	if !ok {
		return nil
	}
	m, ok := r.library.Get(snap.MacroID)
	if !ok {
		return r.fail(execID, apierrors.New(apierrors.CodeNotFound, op, "macro %s not found", snap.MacroID))
	}

	event := plugin.NewEvent(plugin.EventInternal, "macro.run", "macrohost", plugin.TextPayload(m.Name))
	if snap.Trigger != nil {
		event = *snap.Trigger
	}

	run := Run{ID: execID, MacroID: m.ID, MacroName: m.Name, StartedAt: time.Now()}
	finish := r.metrics.RunStarted()
	r.logger.Debug("macro started", "macro", m.Name, "run", run.ID)

	out, err := r.drive(ctx, execID, event)

	run.Steps = out.steps
	run.State, run.Reason = out.state, out.reason
	run.FinishedAt = time.Now()
	if out.stopped {
		finish("stopped")
	} else {
		finish(run.State.String())
	}
	if err != nil {
		r.logger.Warn("macro failed", "macro", m.Name, "run", run.ID, "error", err)
	} else {
		r.logger.Debug("macro finished", "macro", m.Name, "run", run.ID, "steps", out.steps, "state", run.State)
	}
	if r.recorder != nil {
		if rerr := r.recorder.RecordRun(context.WithoutCancel(ctx), run); rerr != nil {
			r.logger.Warn("could not record macro run", "macro", m.Name, "error", rerr)
		}
	}
	return err
}

// outcome is how a drive ended. A stopped run is recorded as failed with
// reason "stopped".
type outcome struct {
	steps   int
	state   State
	reason  string
	stopped bool
}

func (r *Runner) drive(ctx context.Context, id uuid.UUID, event plugin.Event) (outcome, error) {
	const op = "macro.Run"
	out := outcome{}
	failed := func(err error) (outcome, error) {
		out.state, out.reason = StateFailed, err.Error()
		return out, r.fail(id, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return failed(apierrors.Wrap(apierrors.CodeTimeout, op, err))
		}

		pc, state, ok := r.engine.step(id)
		if !ok {
			out.state, out.reason, out.stopped = StateFailed, "stopped", true
			return out, nil
		}
		switch state {
		case StatePaused, StateIdle:
			select {
			case <-ctx.Done():
			case <-time.After(r.poll):
			}
			continue
		case StateCompleted:
			out.state = StateCompleted
			return out, nil
		case StateFailed:
			snap, _ := r.engine.Context(id)
			out.state, out.reason = StateFailed, snap.Reason
			return out, apierrors.New(apierrors.CodeInvalidOperation, op, "%s", snap.Reason)
		}

		current, ok := r.library.Get(pc.ActionID)
		if !ok {
			return failed(apierrors.New(apierrors.CodeNotFound, op, "macro %s not found", pc.ActionID))
		}
		if pc.Index >= len(current.Actions) {
			_ = r.engine.ReturnFromMacro(id)
			continue
		}

		a := current.Actions[pc.Index]
		if !action.Enabled(a) {
			continue
		}
		res, err := actionmgr.Run(action.WithScope(ctx, r.engine.Scope(id)), a, event, r.actionMetrics)
		out.steps++
		r.metrics.RecordStep()
		if err != nil {
			return failed(apierrors.Wrapf(apierrors.CodeInvalidOperation, op, err,
				"action %q at index %d of %q", a.Name(), pc.Index, current.Name))
		}
		r.engine.RecordResult(id, res)

		if jump, ok := res.Data.(action.JumpRequest); ok {
			if err := r.jump(id, jump); err != nil {
				return failed(err)
			}
		}
	}
}

func (r *Runner) jump(id uuid.UUID, req action.JumpRequest) error {
	const op = "macro.Run"
	target, ok := r.library.Resolve(req.Target)
	if !ok {
		return apierrors.New(apierrors.CodeNotFound, op, "jump target %q not found", req.Target)
	}
	if req.Return {
		if snap, ok := r.engine.Context(id); ok && len(snap.ReturnStack) >= MaxCallDepth {
			return apierrors.New(apierrors.CodeInvalidOperation, op, "call depth %d exceeded", MaxCallDepth)
		}
	}
	return r.engine.JumpToMacro(id, target.ID, req.Return)
}

func (r *Runner) fail(id uuid.UUID, err error) error {
	_ = r.engine.Fail(id, err.Error())
	return err
}
