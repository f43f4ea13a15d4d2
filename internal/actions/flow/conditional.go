package flow

import (
	"context"
	"fmt"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Conditional runs its body when the condition holds and its else branch
// otherwise. Args: type, [value,] comparison, reference.
type Conditional struct {
	*action.Base
	*branches
}

// NewConditional returns the catalog entry owned by owner.
func NewConditional(owner plugin.Info) *Conditional {
	return &Conditional{
		Base:     action.NewBase(owner, "Conditional", "Executes actions based on a condition"),
		branches: newBranches(BranchBody, BranchElse),
	}
}

func (a *Conditional) NewInstance() action.Action {
	return &Conditional{Base: a.Base.Renew(), branches: newBranches(BranchBody, BranchElse)}
}

func (a *Conditional) Configure(ctx context.Context, cfg action.Config) error {
	if _, _, err := ParseCondition(cfg.Args); err != nil {
		return err
	}
	a.SetConfig(cfg)
	return nil
}

func (a *Conditional) Validate() error {
	args := a.ActionConfig().Args
	if len(args) == 0 {
		return nil
	}
	cond, _, err := ParseCondition(args)
	if err != nil {
		return err
	}
	return cond.Validate()
}

// Execute reports the evaluated condition as the result data unless a
// branch action asks for a jump, which is passed on instead.
func (a *Conditional) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	cond, _, err := ParseCondition(a.ActionConfig().Args)
	if err != nil {
		return action.Result{}, err
	}
	ctx, _ = withScope(ctx)
	hold := cond.Eval(ctx, event)
	branch := BranchElse
	if hold {
		branch = BranchBody
	}
	out, err := a.run(ctx, branch, event)
	if err != nil {
		if out.failed == nil {
			return action.Result{}, err
		}
		return action.Result{}, apierrors.Wrapf(apierrors.CodeInvalidOperation, "flow.Conditional", err,
			"branch action %q", out.failed.Name())
	}
	if out.jump != nil {
		return out.last, nil
	}
	return action.Succeeded(fmt.Sprintf("%s is %t", cond, hold)).WithData(hold), nil
}
