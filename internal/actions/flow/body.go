package flow

import (
	"context"
	"sync"

	actionmgr "github.com/goatkit/macrohost/internal/action"
	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/metrics"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Branch names understood by the flow containers.
const (
	BranchBody = ""
	BranchElse = "else"
)

// branches holds the nested actions of a container action.
type branches struct {
	mu      sync.RWMutex
	allowed []string
	nested  map[string][]action.Action
}

func newBranches(allowed ...string) *branches {
	return &branches{allowed: allowed, nested: make(map[string][]action.Action)}
}

// SetActions implements action.Container.
func (b *branches) SetActions(branch string, actions []action.Action) error {
	for _, name := range b.allowed {
		if name == branch {
			b.mu.Lock()
			b.nested[branch] = append([]action.Action(nil), actions...)
			b.mu.Unlock()
			return nil
		}
	}
	return apierrors.New(apierrors.CodeInvalidArgument, "flow.SetActions", "unknown branch %q", branch)
}

// ActionsIn implements action.Container.
func (b *branches) ActionsIn(branch string) []action.Action {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]action.Action(nil), b.nested[branch]...)
}

// lastResultSetter is implemented by scopes that track the previous result.
type lastResultSetter interface {
	SetLastResult(action.Result)
}

// outcome of running one pass over a branch.
type outcome struct {
	last   action.Result
	ran    bool
	jump   *action.JumpRequest
	failed action.Action
}

// withScope makes sure nested actions share one scope even outside a macro.
func withScope(ctx context.Context) (context.Context, action.Scope) {
	scope := action.ScopeFrom(ctx)
	return action.WithScope(ctx, scope), scope
}

// run executes the branch in order. Disabled actions are skipped. A result
// carrying a JumpRequest ends the pass and is handed back to the caller.
func (b *branches) run(ctx context.Context, branch string, event plugin.Event) (outcome, error) {
	var out outcome
	scope := action.ScopeFrom(ctx)
	for _, a := range b.ActionsIn(branch) {
		if !action.Enabled(a) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, apierrors.Wrap(apierrors.CodeTimeout, "flow.run", err)
		}
		res, err := actionmgr.Run(ctx, a, event, metrics.Actions())
		if err != nil {
			out.failed = a
			return out, err
		}
		out.last, out.ran = res, true
		if s, ok := scope.(lastResultSetter); ok {
			s.SetLastResult(res)
		}
		if jump, ok := res.Data.(action.JumpRequest); ok {
			out.jump = &jump
			return out, nil
		}
	}
	return out, nil
}
