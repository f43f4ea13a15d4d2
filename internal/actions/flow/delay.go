package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// DefaultDelay is used when Delay has no argument.
const DefaultDelay = time.Second

// Delay pauses the macro. Args: [milliseconds].
type Delay struct {
	*action.Base
}

// NewDelay returns the catalog entry owned by owner.
func NewDelay(owner plugin.Info) *Delay {
	return &Delay{Base: action.NewBase(owner, "Delay", "Pauses execution for a specified duration")}
}

func (a *Delay) NewInstance() action.Action { return &Delay{Base: a.Base.Renew()} }

func parseDelay(args []string) (time.Duration, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return DefaultDelay, nil
	}
	ms, err := strconv.ParseUint(strings.TrimSpace(args[0]), 10, 32)
	if err != nil {
		return 0, apierrors.New(apierrors.CodeInvalidConfiguration, "flow.Delay", "invalid duration value %q", args[0])
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (a *Delay) Configure(ctx context.Context, cfg action.Config) error {
	if _, err := parseDelay(cfg.Args); err != nil {
		return err
	}
	a.SetConfig(cfg)
	return nil
}

func (a *Delay) Validate() error {
	d, err := parseDelay(a.ActionConfig().Args)
	if err != nil {
		return err
	}
	if d == 0 {
		return apierrors.New(apierrors.CodeInvalidConfiguration, "flow.Delay", "duration must be greater than 0")
	}
	return nil
}

// Execute sleeps for the configured duration, returned as data. A done
// context ends the wait with a timeout error.
func (a *Delay) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	d, err := parseDelay(a.ActionConfig().Args)
	if err != nil {
		return action.Result{}, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return action.Succeeded(fmt.Sprintf("Waited %s", d)).WithData(d), nil
	case <-ctx.Done():
		return action.Result{}, apierrors.Wrap(apierrors.CodeTimeout, "flow.Delay", ctx.Err())
	}
}
