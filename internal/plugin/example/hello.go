// Package example provides a small plugin used by the sample plugin builds
// and by tests.
package example

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// HelloPlugin greets. It counts the events it receives and contributes a
// "Say Hello" action.
type HelloPlugin struct {
	*plugin.Base
	events atomic.Int64
}

// Info is the metadata of HelloPlugin.
var Info = plugin.Info{
	Name:        "hello",
	Version:     "1.0.0",
	Description: "A simple hello world plugin for testing",
	Author:      "macrohost",
	Homepage:    "https://github.com/goatkit/macrohost",
	Platforms:   []string{"linux", "darwin", "windows"},
	Capabilities: []plugin.Capability{
		plugin.CapEventHandler,
		plugin.CapConfigurable,
		plugin.CapHotReload,
		plugin.CapActionProvider,
	},
}

// NewHelloPlugin creates a new hello plugin instance.
func NewHelloPlugin() *HelloPlugin {
	return &HelloPlugin{Base: plugin.NewBase(Info, plugin.Config{"greeting": "Hello"})}
}

// HandleEvent implements plugin.Plugin.
func (p *HelloPlugin) HandleEvent(ctx context.Context, event plugin.Event) error {
	n := p.events.Add(1)
	slog.Debug("hello plugin received event", "plugin", Info.Name, "event", event.Name, "count", n)
	return nil
}

// CodeNoGreeting is returned by Say Hello when the greeting is configured
// empty.
const CodeNoGreeting = "hello:no_greeting"

// DeclareErrors implements plugin.ErrorDeclarer.
func (p *HelloPlugin) DeclareErrors() []plugin.ErrorSpec {
	return []plugin.ErrorSpec{
		{Code: "no_greeting", Message: "No greeting configured", HTTPStatus: http.StatusUnprocessableEntity},
	}
}

// EventCount returns how many events were handled.
func (p *HelloPlugin) EventCount() int64 { return p.events.Load() }

// Clone implements plugin.Plugin.
func (p *HelloPlugin) Clone() (plugin.Plugin, error) {
	return &HelloPlugin{Base: p.Base.CloneBase()}, nil
}

// ActionGroups implements action.Provider.
func (p *HelloPlugin) ActionGroups(ctx context.Context) ([]*action.Group, error) {
	g := action.NewGroup(p.Info(), "Hello", "Greetings")
	if err := g.AddAction(newSayHello(p)); err != nil {
		return nil, err
	}
	return []*action.Group{g}, nil
}

// sayHello greets args[0] (default "World") with the plugin's configured
// greeting and stores the text in the "greeting" variable.
type sayHello struct {
	*action.Base
	owner *HelloPlugin
}

func newSayHello(owner *HelloPlugin) *sayHello {
	return &sayHello{
		Base:  action.NewBase(owner.Info(), "Say Hello", "Greets somebody"),
		owner: owner,
	}
}

func (a *sayHello) NewInstance() action.Action {
	return &sayHello{Base: a.Base.Renew(), owner: a.owner}
}

func (a *sayHello) Execute(ctx context.Context, event plugin.Event) (action.Result, error) {
	cfg, _ := a.owner.Config()
	greeting := cfg.GetString("greeting", "Hello")
	if strings.TrimSpace(greeting) == "" {
		return action.Result{}, apierrors.New(CodeNoGreeting, "hello.SayHello", "greeting is empty")
	}
	name := a.ActionConfig().Arg(0, "World")
	text := fmt.Sprintf("%s, %s!", greeting, name)
	action.ScopeFrom(ctx).SetVariable("greeting", text)
	return action.Succeeded(text), nil
}
