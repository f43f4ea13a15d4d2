package flow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// SetVariable stores a value in the macro scope. Args: name, value.
type SetVariable struct {
	*action.Base
}

// NewSetVariable returns the catalog entry owned by owner.
func NewSetVariable(owner plugin.Info) *SetVariable {
	return &SetVariable{Base: action.NewBase(owner, "Set Variable", "Stores a value in a macro variable")}
}

func (a *SetVariable) NewInstance() action.Action { return &SetVariable{Base: a.Base.Renew()} }

func (a *SetVariable) Configure(ctx context.Context, cfg action.Config) error {
	if cfg.Arg(0, "") == "" {
		return apierrors.New(apierrors.CodeInvalidConfiguration, "flow.SetVariable", "need a variable name")
	}
	a.SetConfig(cfg)
	return nil
}

func (a *SetVariable) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	cfg := a.ActionConfig()
	name, value := cfg.Arg(0, ""), cfg.Arg(1, "")
	if name == "" {
		return action.Result{}, apierrors.New(apierrors.CodeInvalidConfiguration, "flow.SetVariable", "need a variable name")
	}
	action.ScopeFrom(ctx).SetVariable(name, value)
	return action.Succeeded(fmt.Sprintf("%s = %s", name, value)).WithData(value), nil
}

// Increment adds to a numeric macro variable. Args: name, [delta]. A missing
// variable counts as 0.
type Increment struct {
	*action.Base
}

// NewIncrement returns the catalog entry owned by owner.
func NewIncrement(owner plugin.Info) *Increment {
	return &Increment{Base: action.NewBase(owner, "Increment Variable", "Adds to a numeric macro variable")}
}

func (a *Increment) NewInstance() action.Action { return &Increment{Base: a.Base.Renew()} }

func parseIncrement(args []string) (string, int64, error) {
	const op = "flow.Increment"
	if len(args) == 0 || args[0] == "" {
		return "", 0, apierrors.New(apierrors.CodeInvalidConfiguration, op, "need a variable name")
	}
	delta := int64(1)
	if len(args) > 1 {
		d, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "", 0, apierrors.New(apierrors.CodeInvalidConfiguration, op, "invalid delta %q", args[1])
		}
		delta = d
	}
	return args[0], delta, nil
}

func (a *Increment) Configure(ctx context.Context, cfg action.Config) error {
	if _, _, err := parseIncrement(cfg.Args); err != nil {
		return err
	}
	a.SetConfig(cfg)
	return nil
}

func (a *Increment) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	name, delta, err := parseIncrement(a.ActionConfig().Args)
	if err != nil {
		return action.Result{}, err
	}
	scope := action.ScopeFrom(ctx)
	var current int64
	if v, ok := scope.Variable(name); ok && v != nil {
		current, err = strconv.ParseInt(fmt.Sprint(v), 10, 64)
		if err != nil {
			return action.Failed(fmt.Sprintf("%s is not an integer: %v", name, v)), nil
		}
	}
	current += delta
	scope.SetVariable(name, current)
	return action.Succeeded(fmt.Sprintf("%s = %d", name, current)).WithData(current), nil
}
