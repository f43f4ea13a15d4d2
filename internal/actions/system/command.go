package system

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/worker"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// CommandOutput is the Data of a Run Command result.
type CommandOutput struct {
	ExitCode int
	Output   string
}

// RunCommand starts a program and waits for it. Args: program, [args...].
// A non-zero exit is a failed result; a program that cannot start is an
// error.
type RunCommand struct {
	*action.Base
	pool *worker.Pool
}

// NewRunCommand returns the catalog entry owned by owner.
func NewRunCommand(owner plugin.Info, pool *worker.Pool) *RunCommand {
	return &RunCommand{
		Base: action.NewBase(owner, "Run Command", "Runs an external program and waits for it to exit"),
		pool: pool,
	}
}

func (a *RunCommand) NewInstance() action.Action {
	return &RunCommand{Base: a.Base.Renew(), pool: a.pool}
}

func (a *RunCommand) Configure(ctx context.Context, cfg action.Config) error {
	if len(cfg.Args) == 0 || strings.TrimSpace(cfg.Args[0]) == "" {
		return apierrors.New(apierrors.CodeInvalidConfiguration, "system.RunCommand", "need the program to run")
	}
	a.SetConfig(cfg)
	return nil
}

func (a *RunCommand) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	const op = "system.RunCommand"
	args := a.ActionConfig().Args
	if len(args) == 0 {
		return action.Result{}, apierrors.New(apierrors.CodeInvalidConfiguration, op, "need the program to run")
	}

	var out CommandOutput
	run := func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		b, err := cmd.CombinedOutput()
		out.Output = strings.TrimSpace(string(b))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			out.ExitCode = exitErr.ExitCode()
			return nil
		}
		return err
	}

	var err error
	if a.pool != nil {
		err = a.pool.Do(ctx, run)
	} else {
		err = run(ctx)
	}
	switch {
	case ctx.Err() != nil:
		return action.Result{}, apierrors.Wrapf(apierrors.CodeTimeout, op, ctx.Err(), "%s", args[0])
	case err != nil:
		return action.Result{}, apierrors.Wrapf(apierrors.CodeInvalidOperation, op, err, "%s", args[0])
	case out.ExitCode != 0:
		return action.Failed(fmt.Sprintf("%s exited with status %d", args[0], out.ExitCode)).WithData(out), nil
	}
	return action.Succeeded(out.Output).WithData(out), nil
}
