// Package rpcutil provides the out-of-process plugin protocol for macrohost.
//
// Plugin executables import this package to serve their implementation over
// net/rpc (via HashiCorp go-plugin). The host side lives in
// internal/plugin/loader and talks to the plugin through RPCClient.
//
// Usage:
//
//	func main() {
//	    rpcutil.ServePlugin(counter.New())
//	}
package rpcutil

import (
	"context"
	"encoding/gob"
	"errors"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/macrohost/pkg/plugin"
)

// Handshake is the shared handshake config for host and plugins.
// Plugins must use the same values to connect.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MACROHOST_PLUGIN",
	MagicCookieValue: "macrohost-v1",
}

// PluginName is the key used in the go-plugin plugin map.
const PluginName = "macrohost"

func init() {
	// Config and payload values travel as interfaces.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(plugin.Config{})
}

// Remote is the call surface of a plugin running in another process.
type Remote interface {
	Info() (plugin.Info, error)
	Initialize() error
	Start() error
	Stop() error
	HandleEvent(event plugin.Event) error
	Config() (plugin.Config, bool, error)
	UpdateConfig(cfg plugin.Config) error
}

// PluginMap is the map of plugin types the host dispenses.
var PluginMap = map[string]goplugin.Plugin{
	PluginName: &RemotePlugin{},
}

// ServePlugin is called by plugin executables to serve a plugin.Plugin.
func ServePlugin(p plugin.Plugin) {
	ServeRemote(&localRemote{p: p})
}

// ServeRemote serves a Remote implementation directly.
func ServeRemote(impl Remote) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			PluginName: &RemotePlugin{Impl: impl},
		},
	})
}

// RemotePlugin is the go-plugin.Plugin implementation.
type RemotePlugin struct {
	goplugin.Plugin
	Impl Remote
}

// Server returns the RPC server for the plugin (plugin side).
func (p *RemotePlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	if p.Impl == nil {
		return nil, errors.New("rpcutil: no implementation to serve")
	}
	return &RPCServer{Impl: p.Impl}, nil
}

// Client returns the RPC client for the plugin (host side).
func (p *RemotePlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// ConfigResponse carries Config over the wire.
type ConfigResponse struct {
	Config  plugin.Config
	Present bool
}

// RPCClient is the RPC client implementation (host side).
type RPCClient struct {
	client *rpc.Client
}

func (c *RPCClient) Info() (plugin.Info, error) {
	var resp plugin.Info
	err := c.client.Call("Plugin.Info", new(interface{}), &resp)
	return resp, err
}

func (c *RPCClient) Initialize() error {
	var resp interface{}
	return c.client.Call("Plugin.Initialize", new(interface{}), &resp)
}

func (c *RPCClient) Start() error {
	var resp interface{}
	return c.client.Call("Plugin.Start", new(interface{}), &resp)
}

func (c *RPCClient) Stop() error {
	var resp interface{}
	return c.client.Call("Plugin.Stop", new(interface{}), &resp)
}

func (c *RPCClient) HandleEvent(event plugin.Event) error {
	var resp interface{}
	return c.client.Call("Plugin.HandleEvent", event, &resp)
}

func (c *RPCClient) Config() (plugin.Config, bool, error) {
	var resp ConfigResponse
	if err := c.client.Call("Plugin.Config", new(interface{}), &resp); err != nil {
		return nil, false, err
	}
	return resp.Config, resp.Present, nil
}

func (c *RPCClient) UpdateConfig(cfg plugin.Config) error {
	var resp interface{}
	return c.client.Call("Plugin.UpdateConfig", cfg, &resp)
}

// RPCServer is the RPC server implementation (plugin side).
type RPCServer struct {
	Impl Remote
}

func (s *RPCServer) Info(args interface{}, resp *plugin.Info) error {
	info, err := s.Impl.Info()
	if err != nil {
		return err
	}
	*resp = info
	return nil
}

func (s *RPCServer) Initialize(args interface{}, resp *interface{}) error {
	return s.Impl.Initialize()
}

func (s *RPCServer) Start(args interface{}, resp *interface{}) error {
	return s.Impl.Start()
}

func (s *RPCServer) Stop(args interface{}, resp *interface{}) error {
	return s.Impl.Stop()
}

func (s *RPCServer) HandleEvent(event plugin.Event, resp *interface{}) error {
	return s.Impl.HandleEvent(event)
}

func (s *RPCServer) Config(args interface{}, resp *ConfigResponse) error {
	cfg, ok, err := s.Impl.Config()
	if err != nil {
		return err
	}
	resp.Config, resp.Present = cfg, ok
	return nil
}

func (s *RPCServer) UpdateConfig(cfg plugin.Config, resp *interface{}) error {
	return s.Impl.UpdateConfig(cfg)
}

// localRemote adapts an in-process plugin.Plugin to Remote.
type localRemote struct {
	p plugin.Plugin
}

func (l *localRemote) Info() (plugin.Info, error) { return l.p.Info(), nil }

func (l *localRemote) Initialize() error { return l.p.Initialize(context.Background()) }

func (l *localRemote) Start() error { return l.p.Start(context.Background()) }

func (l *localRemote) Stop() error { return l.p.Stop(context.Background()) }

func (l *localRemote) HandleEvent(event plugin.Event) error {
	return l.p.HandleEvent(context.Background(), event)
}

func (l *localRemote) Config() (plugin.Config, bool, error) {
	cfg, ok := l.p.Config()
	return cfg, ok, nil
}

func (l *localRemote) UpdateConfig(cfg plugin.Config) error {
	return l.p.UpdateConfig(context.Background(), cfg)
}
