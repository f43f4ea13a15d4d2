package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

var owner = plugin.Info{ID: plugin.NameID("flow-test"), Name: "flow-test"}

// probe records each execution and the value of one scope variable.
type probe struct {
	*action.Base
	watch string
	seen  []any
	err   error
	data  any
}

func newProbe(name, watch string) *probe {
	return &probe{Base: action.NewBase(owner, name, ""), watch: watch}
}

func (p *probe) Execute(ctx context.Context, ev plugin.Event) (action.Result, error) {
	v, _ := action.ScopeFrom(ctx).Variable(p.watch)
	p.seen = append(p.seen, v)
	if p.err != nil {
		return action.Result{}, p.err
	}
	return action.Succeeded(p.Name()).WithData(p.data), nil
}

func configure(t *testing.T, a action.Action, args ...string) {
	t.Helper()
	require.NoError(t, a.Configure(context.Background(), action.DefaultConfig(args...)))
	require.NoError(t, a.Validate())
}

func event(payload plugin.Payload) plugin.Event {
	return plugin.NewEvent(plugin.EventKeyPress, "F5", "usb-keyboard", payload)
}

func TestComparison(t *testing.T) {
	tests := []struct {
		op       string
		lhs, rhs string
		want     bool
	}{
		{"==", "a", "a", true},
		{"equals", "a", "b", false},
		{"ne", "a", "b", true},
		{"has", "keyboard", "board", true},
		{"starts", "keyboard", "key", true},
		{"endswith", "keyboard", "key", false},
		{">", "10", "9", true},
		{"gt", "b", "a", true},
		{">", "10", "9x", false},
		{"<", "1.5", "2", true},
		{"lessthan", "abc", "abd", true},
		{">=", "3", "3.0", true},
		{"le", "3", "3.0", true},
		{"bogus", "x", "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.op+" "+tt.lhs+" "+tt.rhs, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseComparison(tt.op).Apply(tt.lhs, tt.rhs))
		})
	}
}

func TestParseCondition(t *testing.T) {
	c, used, err := ParseCondition([]string{"payload", "==", "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, used)
	assert.Equal(t, Condition{Type: EventPayload, Comparison: Equal, Reference: "x"}, c)

	c, used, err = ParseCondition([]string{"var", "count", "<", "3", "10"})
	require.NoError(t, err)
	assert.Equal(t, 4, used)
	assert.Equal(t, Condition{Type: Variable, Value: "count", Comparison: LessThan, Reference: "3"}, c)

	assert.Equal(t, EventPayload, ParseConditionType("nonsense"))
	assert.Equal(t, EventSource, ParseConditionType("EventSource"))

	_, _, err = ParseCondition([]string{"payload", "=="})
	assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))

	c, _, _ = ParseCondition([]string{"payload", "==", ""})
	assert.True(t, errors.Is(c.Validate(), apierrors.ErrInvalidConfiguration))
}

func TestConditionEval(t *testing.T) {
	scope := action.NewMapScope()
	scope.SetVariable("count", 7)
	ctx := action.WithScope(context.Background(), scope)

	tests := []struct {
		name string
		args []string
		ev   plugin.Event
		want bool
	}{
		{"text payload", []string{"EventPayload", "==", "test"}, event(plugin.TextPayload("test")), true},
		{"number payload", []string{"payload", ">", "10"}, event(plugin.NumberPayload(15)), true},
		{"number payload below", []string{"payload", ">", "10"}, event(plugin.NumberPayload(5)), false},
		{"bool payload", []string{"payload", "==", "true"}, event(plugin.BoolPayload(true)), true},
		{"custom payload", []string{"payload", "==", "[Custom Data]"}, event(plugin.CustomPayload(struct{}{})), true},
		{"event type", []string{"EventType", "==", "KeyPress"}, event(plugin.Payload{}), true},
		{"event source", []string{"EventSource", "contains", "keyboard"}, event(plugin.Payload{}), true},
		{"variable", []string{"variable", "count", ">=", "7"}, event(plugin.Payload{}), true},
		{"missing variable", []string{"variable", "nope", "==", "x"}, event(plugin.Payload{}), false},
		{"constant", []string{"const", "abc", "startswith", "ab"}, event(plugin.Payload{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, err := ParseCondition(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Eval(ctx, tt.ev))
		})
	}
}

func TestConditional(t *testing.T) {
	ctx := context.Background()
	newCond := func(t *testing.T) (*Conditional, *probe, *probe) {
		a := NewConditional(owner).NewInstance().(*Conditional)
		configure(t, a, "payload", ">", "10")
		yes, no := newProbe("yes", ""), newProbe("no", "")
		require.NoError(t, a.SetActions(BranchBody, []action.Action{yes}))
		require.NoError(t, a.SetActions(BranchElse, []action.Action{no}))
		return a, yes, no
	}

	t.Run("true branch", func(t *testing.T) {
		a, yes, no := newCond(t)
		res, err := a.Execute(ctx, event(plugin.NumberPayload(15)))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, true, res.Data)
		assert.Len(t, yes.seen, 1)
		assert.Empty(t, no.seen)
	})

	t.Run("false branch", func(t *testing.T) {
		a, yes, no := newCond(t)
		res, err := a.Execute(ctx, event(plugin.NumberPayload(5)))
		require.NoError(t, err)
		assert.Equal(t, false, res.Data)
		assert.Empty(t, yes.seen)
		assert.Len(t, no.seen, 1)
	})

	t.Run("branch error", func(t *testing.T) {
		a, yes, _ := newCond(t)
		yes.err = errors.New("boom")
		_, err := a.Execute(ctx, event(plugin.NumberPayload(15)))
		assert.True(t, errors.Is(err, apierrors.ErrInvalidOperation))
		assert.Contains(t, err.Error(), `"yes"`)
	})

	t.Run("jump passes through", func(t *testing.T) {
		a, yes, _ := newCond(t)
		yes.data = action.JumpRequest{Target: "other", Return: true}
		res, err := a.Execute(ctx, event(plugin.NumberPayload(15)))
		require.NoError(t, err)
		assert.Equal(t, action.JumpRequest{Target: "other", Return: true}, res.Data)
	})

	t.Run("configuration", func(t *testing.T) {
		a := NewConditional(owner).NewInstance()
		err := a.Configure(ctx, action.DefaultConfig("payload", "=="))
		assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))

		require.NoError(t, a.Configure(ctx, action.DefaultConfig("payload", "==", "")))
		assert.True(t, errors.Is(a.Validate(), apierrors.ErrInvalidConfiguration))

		c := a.(*Conditional)
		assert.Error(t, c.SetActions("sideways", nil))
	})
}

func TestForLoop(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []any
	}{
		{"end only", []string{"5"}, []any{int64(0), int64(1), int64(2), int64(3), int64(4)}},
		{"start and step", []string{"7", "2", "2"}, []any{int64(2), int64(4), int64(6)}},
		{"counting down", []string{"0", "10", "-2"}, []any{int64(10), int64(8), int64(6), int64(4), int64(2)}},
		{"empty range", []string{"0"}, nil},
		{"start past end", []string{"0", "5"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewForLoop(owner).NewInstance().(*ForLoop)
			configure(t, a, tt.args...)
			body := newProbe("body", "i")
			require.NoError(t, a.SetActions(BranchBody, []action.Action{body}))

			res, err := a.Execute(action.WithScope(context.Background(), action.NewMapScope()), event(plugin.Payload{}))
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, action.IterationCount(len(tt.want)), res.Data)
			assert.Equal(t, tt.want, body.seen)
		})
	}

	t.Run("named variable", func(t *testing.T) {
		a := NewForLoop(owner).NewInstance().(*ForLoop)
		configure(t, a, "2", "0", "1", "row")
		body := newProbe("body", "row")
		require.NoError(t, a.SetActions(BranchBody, []action.Action{body}))
		_, err := a.Execute(context.Background(), event(plugin.Payload{}))
		require.NoError(t, err)
		assert.Equal(t, []any{int64(0), int64(1)}, body.seen)
	})

	t.Run("ceiling", func(t *testing.T) {
		a := NewForLoop(owner).NewInstance()
		configure(t, a, "20000")
		res, err := a.Execute(context.Background(), event(plugin.Payload{}))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, action.IterationCount(MaxIterations), res.Data)
	})

	t.Run("body error names the iteration", func(t *testing.T) {
		a := NewForLoop(owner).NewInstance().(*ForLoop)
		configure(t, a, "3")
		body := newProbe("body", "i")
		body.err = errors.New("boom")
		require.NoError(t, a.SetActions(BranchBody, []action.Action{body}))
		_, err := a.Execute(context.Background(), event(plugin.Payload{}))
		assert.True(t, errors.Is(err, apierrors.ErrInvalidOperation))
		assert.Contains(t, err.Error(), `action "body" at iteration 1`)
	})

	t.Run("configuration", func(t *testing.T) {
		ctx := context.Background()
		a := NewForLoop(owner).NewInstance()
		for _, args := range [][]string{{}, {"x"}, {"5", "y"}, {"5", "0", "0"}} {
			err := a.Configure(ctx, action.DefaultConfig(args...))
			assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration), "%v", args)
		}
		require.NoError(t, a.Configure(ctx, action.DefaultConfig("0", "5")))
		assert.NoError(t, a.Validate(), "a range that never runs is still well formed")
	})

	t.Run("empty range joins a group", func(t *testing.T) {
		a := NewForLoop(owner).NewInstance()
		require.NoError(t, a.Configure(context.Background(), action.DefaultConfig("0")))
		g := action.NewGroup(owner, "loops", "")
		require.NoError(t, g.AddAction(a))
		res, err := a.Execute(context.Background(), event(plugin.Payload{}))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, action.IterationCount(0), res.Data)
	})
}

func TestWhileLoop(t *testing.T) {
	t.Run("ceiling from args", func(t *testing.T) {
		a := NewWhileLoop(owner).NewInstance().(*WhileLoop)
		configure(t, a, "constant", "go", "==", "go", "5")
		body := newProbe("body", "")
		require.NoError(t, a.SetActions(BranchBody, []action.Action{body}))

		res, err := a.Execute(context.Background(), event(plugin.Payload{}))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, action.IterationCount(5), res.Data)
		assert.Len(t, body.seen, 5)
		assert.Contains(t, res.Message, "maximum iterations (5)")
	})

	t.Run("cap above the ceiling", func(t *testing.T) {
		a := NewWhileLoop(owner).NewInstance()
		configure(t, a, "constant", "go", "==", "go", "50000")
		res, err := a.Execute(context.Background(), event(plugin.Payload{}))
		require.NoError(t, err)
		assert.Equal(t, action.IterationCount(MaxIterations), res.Data)
	})

	t.Run("variable condition", func(t *testing.T) {
		a := NewWhileLoop(owner).NewInstance().(*WhileLoop)
		configure(t, a, "variable", "n", "<", "3")
		inc := NewIncrement(owner).NewInstance()
		configure(t, inc, "n")
		require.NoError(t, a.SetActions(BranchBody, []action.Action{inc}))

		scope := action.NewMapScope()
		res, err := a.Execute(action.WithScope(context.Background(), scope), event(plugin.Payload{}))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, action.IterationCount(3), res.Data)
		n, _ := scope.Variable("n")
		assert.Equal(t, int64(3), n)
		last, ok := scope.LastResult()
		require.True(t, ok)
		assert.Equal(t, "n = 3", last.Message)
	})

	t.Run("false from the start", func(t *testing.T) {
		a := NewWhileLoop(owner).NewInstance()
		configure(t, a, "payload", "==", "never")
		res, err := a.Execute(context.Background(), event(plugin.TextPayload("x")))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, action.IterationCount(0), res.Data)
	})

	t.Run("invalid cap", func(t *testing.T) {
		a := NewWhileLoop(owner).NewInstance()
		err := a.Configure(context.Background(), action.DefaultConfig("constant", "a", "==", "a", "many"))
		assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))
	})
}

func TestDelay(t *testing.T) {
	ctx := context.Background()

	a := NewDelay(owner).NewInstance()
	require.NoError(t, a.Validate())
	d, err := parseDelay(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	configure(t, a, "10")
	start := time.Now()
	res, err := a.Execute(ctx, event(plugin.Payload{}))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, res.Data)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	require.NoError(t, a.Configure(ctx, action.DefaultConfig("0")))
	assert.True(t, errors.Is(a.Validate(), apierrors.ErrInvalidConfiguration))

	err = a.Configure(ctx, action.DefaultConfig("soon"))
	assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))

	configure(t, a, "60000")
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.Execute(cancelled, event(plugin.Payload{}))
	assert.True(t, errors.Is(err, apierrors.ErrTimeout))
}

func TestJump(t *testing.T) {
	ctx := context.Background()
	a := NewJump(owner).NewInstance()

	configure(t, a, "cleanup")
	res, err := a.Execute(ctx, event(plugin.Payload{}))
	require.NoError(t, err)
	assert.Equal(t, action.JumpRequest{Target: "cleanup"}, res.Data)

	configure(t, a, "cleanup", "true")
	res, _ = a.Execute(ctx, event(plugin.Payload{}))
	assert.Equal(t, action.JumpRequest{Target: "cleanup", Return: true}, res.Data)

	assert.Error(t, a.Configure(ctx, action.DefaultConfig("")))
	assert.Error(t, a.Configure(ctx, action.DefaultConfig("x", "maybe")))
}

func TestVariables(t *testing.T) {
	scope := action.NewMapScope()
	ctx := action.WithScope(context.Background(), scope)

	set := NewSetVariable(owner).NewInstance()
	configure(t, set, "name", "Ada")
	_, err := set.Execute(ctx, event(plugin.Payload{}))
	require.NoError(t, err)
	v, _ := scope.Variable("name")
	assert.Equal(t, "Ada", v)

	inc := NewIncrement(owner).NewInstance()
	configure(t, inc, "name", "2")
	res, err := inc.Execute(ctx, event(plugin.Payload{}))
	require.NoError(t, err)
	assert.False(t, res.Success, "not a number")

	configure(t, set, "count", "40")
	_, _ = set.Execute(ctx, event(plugin.Payload{}))
	configure(t, inc, "count", "2")
	res, err = inc.Execute(ctx, event(plugin.Payload{}))
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Data)

	assert.Error(t, set.Configure(ctx, action.DefaultConfig()))
}

func TestPluginActionGroups(t *testing.T) {
	p := New()
	require.True(t, p.Capabilities().Has(plugin.CapActionProvider))

	groups, err := p.ActionGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Flow", groups[0].Name)

	var names []string
	for _, a := range groups[0].Actions() {
		names = append(names, a.Name())
		inst, ok := a.(action.Instancer)
		require.True(t, ok, a.Name())
		assert.NotEqual(t, a.ID(), inst.NewInstance().ID())
		assert.Equal(t, p.Info().ID, a.Plugin().ID)
	}
	assert.Equal(t, []string{
		"Conditional", "While Loop", "For Loop", "Delay", "Jump To Macro", "Set Variable", "Increment Variable",
	}, names)

	clone, err := p.Clone()
	require.NoError(t, err)
	assert.Equal(t, plugin.StateCreated, clone.State())
}
