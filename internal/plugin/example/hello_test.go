package example

import (
	"context"
	"testing"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

func TestHelloPlugin(t *testing.T) {
	ctx := context.Background()
	p := NewHelloPlugin()

	if p.State() != plugin.StateCreated {
		t.Fatalf("expected Created, got %s", p.State())
	}
	if err := p.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !p.Capabilities().Has(plugin.CapActionProvider) {
		t.Error("expected ActionProvider capability")
	}

	p.HandleEvent(ctx, plugin.NewEvent(plugin.EventUser, "ping", "test", plugin.Payload{}))
	p.HandleEvent(ctx, plugin.NewEvent(plugin.EventUser, "ping", "test", plugin.Payload{}))
	if p.EventCount() != 2 {
		t.Errorf("expected 2 events, got %d", p.EventCount())
	}
}

func TestSayHello(t *testing.T) {
	ctx := context.Background()
	p := NewHelloPlugin()

	groups, err := p.ActionGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].Actions()) != 1 {
		t.Fatalf("unexpected groups %+v", groups)
	}
	tmpl := groups[0].Actions()[0]

	a := tmpl.(action.Instancer).NewInstance()
	if a.ID() == tmpl.ID() {
		t.Error("instance should get a fresh id")
	}
	if err := a.Configure(ctx, action.DefaultConfig("Ada")); err != nil {
		t.Fatal(err)
	}

	scope := action.NewMapScope()
	res, err := a.Execute(action.WithScope(ctx, scope), plugin.Event{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Message != "Hello, Ada!" {
		t.Errorf("unexpected result %+v", res)
	}
	if v, _ := scope.Variable("greeting"); v != "Hello, Ada!" {
		t.Errorf("greeting variable = %v", v)
	}

	if err := p.UpdateConfig(ctx, plugin.Config{"greeting": "Howdy"}); err != nil {
		t.Fatal(err)
	}
	res, _ = a.Execute(ctx, plugin.Event{})
	if res.Message != "Howdy, Ada!" {
		t.Errorf("config change not picked up: %q", res.Message)
	}
}

func TestNoGreeting(t *testing.T) {
	ctx := context.Background()
	p := NewHelloPlugin()
	groups, err := p.ActionGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a := groups[0].Actions()[0]

	if err := p.UpdateConfig(ctx, plugin.Config{"greeting": " "}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Execute(ctx, plugin.Event{}); apierrors.CodeOf(err) != CodeNoGreeting {
		t.Errorf("expected %s, got %v", CodeNoGreeting, err)
	}

	specs := p.DeclareErrors()
	if len(specs) != 1 || "hello:"+specs[0].Code != CodeNoGreeting {
		t.Errorf("unexpected declared errors %+v", specs)
	}
}
