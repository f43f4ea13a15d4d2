// Command hello-rpc is an out-of-process plugin that logs the events it
// receives. Build it next to its manifest:
//
//	go build -o plugins/hello-rpc/hello-rpc.plugin ./plugins/hello-rpc
package main

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/goatkit/macrohost/pkg/plugin"
	"github.com/goatkit/macrohost/pkg/plugin/rpcutil"
)

var info = plugin.Info{
	Name:         "hello-rpc",
	Version:      "1.0.0",
	Description:  "Logs every event it receives",
	Author:       "macrohost",
	Capabilities: []plugin.Capability{plugin.CapEventHandler, plugin.CapConfigurable, plugin.CapHotReload},
}

type helloRPC struct {
	*plugin.Base
	logger hclog.Logger
	seen   *atomic.Int64
}

func (p *helloRPC) Clone() (plugin.Plugin, error) {
	return &helloRPC{Base: p.Base.CloneBase(), logger: p.logger, seen: p.seen}, nil
}

func (p *helloRPC) HandleEvent(ctx context.Context, event plugin.Event) error {
	n := p.seen.Add(1)
	cfg, _ := p.Config()
	if cfg.GetBool("quiet", false) {
		return nil
	}
	p.logger.Info("event", "type", event.Type.String(), "name", event.Name, "source", event.Source, "count", n)
	return nil
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       info.Name,
		Output:     os.Stderr,
		JSONFormat: true,
	})
	rpcutil.ServePlugin(&helloRPC{
		Base:   plugin.NewBase(info, plugin.Config{"quiet": false}),
		logger: logger,
		seen:   new(atomic.Int64),
	})
}
