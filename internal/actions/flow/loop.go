package flow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// MaxIterations is the ceiling of every loop, whatever its configured cap.
const MaxIterations = 10000

func iterationError(op string, out outcome, n int, err error) error {
	if out.failed == nil {
		return err
	}
	return apierrors.Wrapf(apierrors.CodeInvalidOperation, op, err, "action %q at iteration %d", out.failed.Name(), n)
}

// WhileLoop runs its body while the condition holds. Args: type, [value,]
// comparison, reference, [max iterations]. The fifth arg is only read when
// a value is present.
type WhileLoop struct {
	*action.Base
	*branches
}

// NewWhileLoop returns the catalog entry owned by owner.
func NewWhileLoop(owner plugin.Info) *WhileLoop {
	return &WhileLoop{
		Base:     action.NewBase(owner, "While Loop", "Executes actions repeatedly while a condition is true"),
		branches: newBranches(BranchBody),
	}
}

func (a *WhileLoop) NewInstance() action.Action {
	return &WhileLoop{Base: a.Base.Renew(), branches: newBranches(BranchBody)}
}

func parseWhile(args []string) (Condition, int, error) {
	cond, used, err := ParseCondition(args)
	if err != nil {
		return cond, 0, err
	}
	limit := MaxIterations
	if used == 4 && len(args) > 4 {
		n, err := strconv.Atoi(args[4])
		if err != nil || n <= 0 {
			return cond, 0, apierrors.New(apierrors.CodeInvalidConfiguration, "flow.WhileLoop",
				"invalid max iterations %q", args[4])
		}
		limit = min(n, MaxIterations)
	}
	return cond, limit, nil
}

func (a *WhileLoop) Configure(ctx context.Context, cfg action.Config) error {
	if _, _, err := parseWhile(cfg.Args); err != nil {
		return err
	}
	a.SetConfig(cfg)
	return nil
}

func (a *WhileLoop) Validate() error {
	args := a.ActionConfig().Args
	if len(args) == 0 {
		return nil
	}
	cond, _, err := parseWhile(args)
	if err != nil {
		return err
	}
	return cond.Validate()
}

// Execute returns the iteration count as data. Reaching the limit while the
// condition still holds is a failed result, not an error.
func (a *WhileLoop) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	cond, limit, err := parseWhile(a.ActionConfig().Args)
	if err != nil {
		return action.Result{}, err
	}
	ctx, _ = withScope(ctx)
	n := 0
	for cond.Eval(ctx, event) {
		if n >= limit {
			return action.Failed(fmt.Sprintf("Loop terminated after reaching maximum iterations (%d)", limit)).
				WithData(action.IterationCount(n)), nil
		}
		n++
		out, err := a.run(ctx, BranchBody, event)
		if err != nil {
			return action.Result{}, iterationError("flow.WhileLoop", out, n, err)
		}
		if out.jump != nil {
			return out.last, nil
		}
	}
	return action.Succeeded(fmt.Sprintf("Loop finished after %d iterations", n)).WithData(action.IterationCount(n)), nil
}

// ForLoop counts a variable from start towards end, exclusive. Args: end,
// [start], [step], [variable]. Defaults are 0, 1 and "i"; a negative step
// counts down.
type ForLoop struct {
	*action.Base
	*branches
}

// NewForLoop returns the catalog entry owned by owner.
func NewForLoop(owner plugin.Info) *ForLoop {
	return &ForLoop{
		Base:     action.NewBase(owner, "For Loop", "Executes actions a specified number of times"),
		branches: newBranches(BranchBody),
	}
}

func (a *ForLoop) NewInstance() action.Action {
	return &ForLoop{Base: a.Base.Renew(), branches: newBranches(BranchBody)}
}

type forRange struct {
	end, start, step int64
	variable         string
}

func (r forRange) continues(i int64) bool {
	if r.step > 0 {
		return i < r.end
	}
	return i > r.end
}

func parseFor(args []string) (forRange, error) {
	const op = "flow.ForLoop"
	r := forRange{step: 1, variable: "i"}
	if len(args) == 0 {
		return r, apierrors.New(apierrors.CodeInvalidConfiguration, op, "need at least one argument: the end value")
	}
	fields := []struct {
		name string
		dst  *int64
	}{{"end", &r.end}, {"start", &r.start}, {"step", &r.step}}
	for i, f := range fields {
		if i >= len(args) {
			break
		}
		v, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return r, apierrors.New(apierrors.CodeInvalidConfiguration, op, "invalid %s value %q", f.name, args[i])
		}
		*f.dst = v
	}
	if r.step == 0 {
		return r, apierrors.New(apierrors.CodeInvalidConfiguration, op, "step cannot be zero")
	}
	if len(args) > 3 && args[3] != "" {
		r.variable = args[3]
	}
	return r, nil
}

func (a *ForLoop) Configure(ctx context.Context, cfg action.Config) error {
	if _, err := parseFor(cfg.Args); err != nil {
		return err
	}
	a.SetConfig(cfg)
	return nil
}

// Validate rejects malformed arguments. An empty range is valid and runs
// zero times.
func (a *ForLoop) Validate() error {
	args := a.ActionConfig().Args
	if len(args) == 0 {
		return nil
	}
	_, err := parseFor(args)
	return err
}

// Execute writes the loop variable to the scope before each pass and
// returns the iteration count as data.
func (a *ForLoop) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	r, err := parseFor(a.ActionConfig().Args)
	if err != nil {
		return action.Result{}, err
	}
	ctx, scope := withScope(ctx)
	n := 0
	for i := r.start; r.continues(i); i += r.step {
		if n >= MaxIterations {
			return action.Failed(fmt.Sprintf("For loop terminated after reaching maximum iterations (%d)", MaxIterations)).
				WithData(action.IterationCount(n)), nil
		}
		n++
		scope.SetVariable(r.variable, i)
		out, err := a.run(ctx, BranchBody, event)
		if err != nil {
			return action.Result{}, iterationError("flow.ForLoop", out, n, err)
		}
		if out.jump != nil {
			return out.last, nil
		}
	}
	return action.Succeeded(fmt.Sprintf("Loop finished after %d iterations", n)).WithData(action.IterationCount(n)), nil
}
