package system

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Log writes a message to the host log. Args: message, [level]. The
// message expands ${name} from the macro variables and ${event.type},
// ${event.name}, ${event.source} and ${event.payload} from the event.
type Log struct {
	*action.Base
	logger *slog.Logger
}

// NewLog returns the catalog entry owned by owner.
func NewLog(owner plugin.Info, logger *slog.Logger) *Log {
	return &Log{Base: action.NewBase(owner, "Log", "Writes a message to the host log"), logger: logger}
}

func (a *Log) NewInstance() action.Action {
	return &Log{Base: a.Base.Renew(), logger: a.logger}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, apierrors.Wrapf(apierrors.CodeInvalidConfiguration, "system.Log", err, "level %q", s)
	}
	return l, nil
}

func (a *Log) Configure(ctx context.Context, cfg action.Config) error {
	if len(cfg.Args) == 0 {
		return apierrors.New(apierrors.CodeInvalidConfiguration, "system.Log", "need a message")
	}
	if _, err := parseLevel(cfg.Arg(1, "")); err != nil {
		return err
	}
	a.SetConfig(cfg)
	return nil
}

// Expand substitutes ${...} references in msg.
func Expand(ctx context.Context, msg string, event plugin.Event) string {
	scope := action.ScopeFrom(ctx)
	return os.Expand(msg, func(name string) string {
		switch name {
		case "event.type":
			return event.Type.String()
		case "event.name":
			return event.Name
		case "event.source":
			return event.Source
		case "event.payload":
			return event.Payload.String()
		}
		if v, ok := scope.Variable(name); ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	})
}

func (a *Log) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	cfg := a.ActionConfig()
	level, err := parseLevel(cfg.Arg(1, ""))
	if err != nil {
		return action.Result{}, err
	}
	msg := Expand(ctx, cfg.Arg(0, ""), event)
	a.logger.Log(ctx, level, strings.TrimSpace(msg), "source", "macro", "event", event.Name)
	return action.Succeeded(msg).WithData(msg), nil
}
