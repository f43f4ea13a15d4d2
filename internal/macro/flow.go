package macro

import (
	"context"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/goatkit/macrohost/internal/apierrors"
)

// ConditionKind selects how a Condition is evaluated.
type ConditionKind int

const (
	Always ConditionKind = iota
	LastActionSuccessful
	LastActionFailed
	Custom
)

// Condition is evaluated against a context. Last-action conditions read the
// context's last recorded result; a context without one satisfies neither.
// Custom conditions are JavaScript expressions with vars, last and event
// bound.
type Condition struct {
	Kind ConditionKind
	Expr string
}

// CustomCondition builds a Custom condition.
func CustomCondition(expr string) Condition { return Condition{Kind: Custom, Expr: expr} }

// ParseCondition accepts "always", "success", "failure" and "js:<expr>".
func ParseCondition(s string) (Condition, error) {
	switch v := strings.TrimSpace(s); {
	case v == "" || strings.EqualFold(v, "always"):
		return Condition{Kind: Always}, nil
	case strings.EqualFold(v, "success") || strings.EqualFold(v, "last_success"):
		return Condition{Kind: LastActionSuccessful}, nil
	case strings.EqualFold(v, "failure") || strings.EqualFold(v, "last_failure"):
		return Condition{Kind: LastActionFailed}, nil
	case strings.HasPrefix(v, "js:"):
		return CustomCondition(strings.TrimPrefix(v, "js:")), nil
	default:
		return Condition{}, apierrors.New(apierrors.CodeInvalidArgument, "macro.ParseCondition", "unknown condition %q", s)
	}
}

// scriptTimeout bounds a single custom expression.
const scriptTimeout = time.Second

// Eval evaluates c against snap.
func (c Condition) Eval(snap Snapshot) (bool, error) {
	switch c.Kind {
	case Always:
		return true, nil
	case LastActionSuccessful:
		return snap.LastResult != nil && snap.LastResult.Success, nil
	case LastActionFailed:
		return snap.LastResult != nil && !snap.LastResult.Success, nil
	case Custom:
		return evalScript(c.Expr, snap)
	default:
		return false, apierrors.New(apierrors.CodeInvalidArgument, "macro.Condition", "unknown condition kind %d", c.Kind)
	}
}

func evalScript(expr string, snap Snapshot) (bool, error) {
	const op = "macro.Condition"
	vm := goja.New()
	vm.Set("vars", snap.Variables)
	if snap.LastResult != nil {
		vm.Set("last", map[string]any{"success": snap.LastResult.Success, "message": snap.LastResult.Message})
	} else {
		vm.Set("last", nil)
	}
	if snap.Trigger != nil {
		vm.Set("event", map[string]any{
			"type":    snap.Trigger.Type.String(),
			"name":    snap.Trigger.Name,
			"source":  snap.Trigger.Source,
			"payload": snap.Trigger.Payload.String(),
		})
	} else {
		vm.Set("event", nil)
	}

	timer := time.AfterFunc(scriptTimeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()

	v, err := vm.RunString(expr)
	if err != nil {
		return false, apierrors.Wrapf(apierrors.CodeInvalidConfiguration, op, err, "evaluate %q", expr)
	}
	return v.ToBoolean(), nil
}

// Flow implements flow control on top of a Runner.
type Flow struct {
	runner *Runner
	engine *Engine
	// pollEvery is the WaitUntil polling interval.
	pollEvery time.Duration
}

// NewFlow returns flow control for r.
func NewFlow(r *Runner) *Flow {
	return &Flow{runner: r, engine: r.engine, pollEvery: 100 * time.Millisecond}
}

// Wait blocks for d or until ctx is done.
func (f *Flow) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return apierrors.Wrap(apierrors.CodeTimeout, "macro.Wait", ctx.Err())
	}
}

// WaitUntil polls cond against the context id resolves to until it holds.
// A positive timeout fails with Timeout once elapsed. A context that does
// not exist, or disappears while waiting, fails with NotFound.
func (f *Flow) WaitUntil(ctx context.Context, id uuid.UUID, cond Condition, timeout time.Duration) error {
	const op = "macro.WaitUntil"
	start := time.Now()
	for {
		snap, found := f.engine.Context(id)
		if !found {
			return apierrors.New(apierrors.CodeNotFound, op, "macro %s has no context", id)
		}
		ok, err := cond.Eval(snap)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if timeout > 0 && time.Since(start) >= timeout {
			return apierrors.New(apierrors.CodeTimeout, op, "wait condition timed out after %s", timeout)
		}
		if err := f.Wait(ctx, f.pollEvery); err != nil {
			return err
		}
	}
}

// Repeat runs the macro exactly count times, waiting delay between runs.
func (f *Flow) Repeat(ctx context.Context, id uuid.UUID, count int, delay time.Duration) error {
	for i := 0; i < count; i++ {
		if err := f.runner.Run(ctx, id, nil); err != nil {
			return err
		}
		if delay > 0 && i < count-1 {
			if err := f.Wait(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// RepeatWhile runs the macro, then keeps running it while cond holds for the
// finished context. maxIterations > 0 caps the number of runs. It returns
// the number of runs.
func (f *Flow) RepeatWhile(ctx context.Context, id uuid.UUID, cond Condition, delay time.Duration, maxIterations int) (int, error) {
	runs := 0
	for maxIterations <= 0 || runs < maxIterations {
		execID, err := f.runner.Execute(id, nil)
		if err != nil {
			return runs, err
		}
		if err := f.runner.Drive(ctx, execID); err != nil {
			return runs, err
		}
		runs++
		snap, _ := f.engine.Context(execID)
		ok, err := cond.Eval(snap)
		if err != nil || !ok {
			return runs, err
		}
		if delay > 0 {
			if err := f.Wait(ctx, delay); err != nil {
				return runs, err
			}
		}
	}
	return runs, nil
}

// JumpIf jumps from one macro to another when cond holds for from's context.
func (f *Flow) JumpIf(cond Condition, from, to uuid.UUID, shouldReturn bool) (bool, error) {
	snap, ok := f.engine.Context(from)
	if !ok {
		return false, nil
	}
	hold, err := cond.Eval(snap)
	if err != nil || !hold {
		return false, err
	}
	return true, f.engine.JumpToMacro(from, to, shouldReturn)
}

// JumpIfElse jumps to ifTrue or ifFalse depending on cond.
func (f *Flow) JumpIfElse(cond Condition, from, ifTrue, ifFalse uuid.UUID, shouldReturn bool) error {
	snap, ok := f.engine.Context(from)
	if !ok {
		return nil
	}
	hold, err := cond.Eval(snap)
	if err != nil {
		return err
	}
	target := ifFalse
	if hold {
		target = ifTrue
	}
	return f.engine.JumpToMacro(from, target, shouldReturn)
}
