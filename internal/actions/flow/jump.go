package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Jump moves the running macro to another one. Args: macro id or name,
// [return]. With return the caller resumes after the jump once the target
// finishes.
type Jump struct {
	*action.Base
}

// NewJump returns the catalog entry owned by owner.
func NewJump(owner plugin.Info) *Jump {
	return &Jump{Base: action.NewBase(owner, "Jump To Macro", "Continues execution in another macro")}
}

func (a *Jump) NewInstance() action.Action { return &Jump{Base: a.Base.Renew()} }

func parseJump(args []string) (action.JumpRequest, error) {
	var req action.JumpRequest
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return req, apierrors.New(apierrors.CodeInvalidConfiguration, "flow.Jump", "need a target macro")
	}
	req.Target = strings.TrimSpace(args[0])
	if len(args) > 1 && args[1] != "" {
		ret, err := strconv.ParseBool(args[1])
		if err != nil {
			return req, apierrors.New(apierrors.CodeInvalidConfiguration, "flow.Jump", "invalid return flag %q", args[1])
		}
		req.Return = ret
	}
	return req, nil
}

func (a *Jump) Configure(ctx context.Context, cfg action.Config) error {
	if _, err := parseJump(cfg.Args); err != nil {
		return err
	}
	a.SetConfig(cfg)
	return nil
}

func (a *Jump) Validate() error {
	args := a.ActionConfig().Args
	if len(args) == 0 {
		return nil
	}
	_, err := parseJump(args)
	return err
}

func (a *Jump) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	req, err := parseJump(a.ActionConfig().Args)
	if err != nil {
		return action.Result{}, err
	}
	verb := "Jump to"
	if req.Return {
		verb = "Call"
	}
	return action.Succeeded(fmt.Sprintf("%s %s", verb, req.Target)).WithData(req), nil
}
