package system

import (
	"context"
	"errors"
	"fmt"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/globals"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

func parseSet(args []string) (string, globals.Value, error) {
	const op = "system.SetGlobal"
	if len(args) < 2 || args[0] == "" {
		return "", globals.Value{}, apierrors.New(apierrors.CodeInvalidConfiguration, op, "need a key and a value")
	}
	kind := globals.KindString
	if len(args) > 2 {
		k, err := globals.ParseKind(args[2])
		if err != nil {
			return "", globals.Value{}, apierrors.Rekind(err, op, apierrors.CodeInvalidConfiguration)
		}
		kind = k
	}
	v, err := globals.Parse(kind, args[1])
	if err != nil {
		return "", globals.Value{}, apierrors.Rekind(err, op, apierrors.CodeInvalidConfiguration)
	}
	return args[0], v, nil
}

// SetGlobal writes a global. Args: key, value, [kind]. Kind is one of
// string, integer, float, boolean, binary or json and defaults to string.
type SetGlobal struct {
	*action.Base
	store globals.Store
}

// NewSetGlobal returns the catalog entry owned by owner.
func NewSetGlobal(owner plugin.Info, store globals.Store) *SetGlobal {
	return &SetGlobal{Base: action.NewBase(owner, "Set Global", "Stores a value in the global variables"), store: store}
}

func (a *SetGlobal) NewInstance() action.Action {
	return &SetGlobal{Base: a.Base.Renew(), store: a.store}
}

func (a *SetGlobal) Configure(ctx context.Context, cfg action.Config) error {
	if _, _, err := parseSet(cfg.Args); err != nil {
		return err
	}
	a.SetConfig(cfg)
	return nil
}

func (a *SetGlobal) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	key, v, err := parseSet(a.ActionConfig().Args)
	if err != nil {
		return action.Result{}, err
	}
	if err := a.store.Set(ctx, key, v); err != nil {
		return action.Result{}, err
	}
	return action.Succeeded(fmt.Sprintf("%s = %s", key, v)).WithData(v.Native()), nil
}

// GetGlobal copies a global into a macro variable. Args: key, [variable].
// The variable defaults to the key. A missing global is a failed result.
type GetGlobal struct {
	*action.Base
	store globals.Store
}

// NewGetGlobal returns the catalog entry owned by owner.
func NewGetGlobal(owner plugin.Info, store globals.Store) *GetGlobal {
	return &GetGlobal{Base: action.NewBase(owner, "Get Global", "Reads a global variable into a macro variable"), store: store}
}

func (a *GetGlobal) NewInstance() action.Action {
	return &GetGlobal{Base: a.Base.Renew(), store: a.store}
}

func (a *GetGlobal) Configure(ctx context.Context, cfg action.Config) error {
	if len(cfg.Args) == 0 || cfg.Args[0] == "" {
		return apierrors.New(apierrors.CodeInvalidConfiguration, "system.GetGlobal", "need a key")
	}
	a.SetConfig(cfg)
	return nil
}

func (a *GetGlobal) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	cfg := a.ActionConfig()
	key := cfg.Arg(0, "")
	v, err := a.store.Get(ctx, key)
	if errors.Is(err, apierrors.ErrNotFound) {
		return action.Failed(fmt.Sprintf("global %q is not set", key)), nil
	}
	if err != nil {
		return action.Result{}, err
	}
	variable := cfg.Arg(1, key)
	if variable == "" {
		variable = key
	}
	action.ScopeFrom(ctx).SetVariable(variable, v.Native())
	return action.Succeeded(v.String()).WithData(v.Native()), nil
}

// DeleteGlobal removes a global. Args: key.
type DeleteGlobal struct {
	*action.Base
	store globals.Store
}

// NewDeleteGlobal returns the catalog entry owned by owner.
func NewDeleteGlobal(owner plugin.Info, store globals.Store) *DeleteGlobal {
	return &DeleteGlobal{Base: action.NewBase(owner, "Delete Global", "Removes a global variable"), store: store}
}

func (a *DeleteGlobal) NewInstance() action.Action {
	return &DeleteGlobal{Base: a.Base.Renew(), store: a.store}
}

func (a *DeleteGlobal) Configure(ctx context.Context, cfg action.Config) error {
	if len(cfg.Args) == 0 || cfg.Args[0] == "" {
		return apierrors.New(apierrors.CodeInvalidConfiguration, "system.DeleteGlobal", "need a key")
	}
	a.SetConfig(cfg)
	return nil
}

func (a *DeleteGlobal) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	key := a.ActionConfig().Arg(0, "")
	if err := a.store.Delete(ctx, key); err != nil {
		return action.Result{}, err
	}
	return action.Succeeded("Deleted " + key), nil
}
