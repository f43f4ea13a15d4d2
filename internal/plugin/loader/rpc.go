package loader

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/plugin"
	"github.com/goatkit/macrohost/pkg/plugin/rpcutil"
)

// RPCOpener starts plugin executables and talks to them over go-plugin's
// net/rpc transport.
type RPCOpener struct {
	// Level is the hclog level for the plugin process output. Defaults to Info.
	Level hclog.Level
	// Isolate starts the process with a minimal environment instead of the
	// host's. PassEnv names host variables it still receives.
	Isolate bool
	PassEnv []string
}

func (o RPCOpener) Open(ctx context.Context, path string) (Module, error) {
	const op = "loader.Open"

	level := o.Level
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "plugin." + filepath.Base(path),
		Output: os.Stderr,
		Level:  level,
	})

	cmd := exec.Command(path)
	if o.Isolate {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		isolate(cmd, name, o.PassEnv)
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: rpcutil.Handshake,
		Plugins:         rpcutil.PluginMap,
		Cmd:             cmd,
		SkipHostEnv:     o.Isolate,
		Logger:          logger,
		AllowedProtocols: []goplugin.Protocol{
			goplugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, apierrors.Wrapf(apierrors.CodeLoader, op, err, "load failed: start %s", path)
	}

	raw, err := rpcClient.Dispense(rpcutil.PluginName)
	if err != nil {
		client.Kill()
		return nil, apierrors.Wrapf(apierrors.CodeLoader, op, err, "load failed: dispense %s", path)
	}

	remote, ok := raw.(rpcutil.Remote)
	if !ok {
		client.Kill()
		return nil, apierrors.New(apierrors.CodeLoader, op, "invalid plugin: %s does not serve rpcutil.Remote", path)
	}

	info, err := remote.Info()
	if err != nil {
		client.Kill()
		return nil, apierrors.Wrapf(apierrors.CodeLoader, op, err, "load failed: read info from %s", path)
	}
	if info.ID == uuid.Nil {
		info.ID = plugin.NameID(info.Name)
	}

	return &rpcModule{client: client, remote: remote, info: info}, nil
}

type rpcModule struct {
	client *goplugin.Client
	remote rpcutil.Remote
	info   plugin.Info
}

func (m *rpcModule) Instantiate() (plugin.Plugin, error) {
	return &remotePlugin{Base: plugin.NewBase(m.info, nil), remote: m.remote}, nil
}

func (m *rpcModule) Close() error {
	m.client.Kill()
	return nil
}

// remotePlugin tracks lifecycle state locally and forwards calls to the
// plugin process.
type remotePlugin struct {
	*plugin.Base
	remote rpcutil.Remote
}

func (p *remotePlugin) step(to plugin.State, call func() error) error {
	if !plugin.CanTransition(p.State(), to) {
		return &plugin.TransitionError{From: p.State(), To: to}
	}
	if err := call(); err != nil {
		p.Fail(err.Error())
		return err
	}
	return p.Transition(to)
}

func (p *remotePlugin) Initialize(ctx context.Context) error {
	return p.step(plugin.StateInitialized, p.remote.Initialize)
}

func (p *remotePlugin) Start(ctx context.Context) error {
	return p.step(plugin.StateRunning, p.remote.Start)
}

func (p *remotePlugin) Stop(ctx context.Context) error {
	return p.step(plugin.StateStopped, p.remote.Stop)
}

func (p *remotePlugin) HandleEvent(ctx context.Context, event plugin.Event) error {
	return p.remote.HandleEvent(event)
}

func (p *remotePlugin) Config() (plugin.Config, bool) {
	cfg, ok, err := p.remote.Config()
	if err != nil {
		return nil, false
	}
	return cfg, ok
}

func (p *remotePlugin) UpdateConfig(ctx context.Context, cfg plugin.Config) error {
	return p.remote.UpdateConfig(cfg)
}

// Clone is not possible for a process-backed plugin.
func (p *remotePlugin) Clone() (plugin.Plugin, error) {
	return nil, apierrors.New(apierrors.CodeNotSupported, "loader.Clone", "rpc plugin %q cannot be cloned", p.Info().Name)
}
