// Package config loads the host configuration from macrohost.yaml and
// MACROHOST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/trigger"
)

// EnvPrefix prefixes every environment override, e.g. MACROHOST_HTTP_ADDR.
const EnvPrefix = "MACROHOST"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PluginsConfig struct {
	// Dirs are scanned for plugins. The first one is watched for hot reload.
	Dirs          []string      `mapstructure:"dirs"`
	HotReload     bool          `mapstructure:"hot_reload"`
	Debounce      time.Duration `mapstructure:"debounce"`
	DispatchLimit int           `mapstructure:"dispatch_limit"`
	Builtins      []string      `mapstructure:"builtins"`
	// TrustedKeys are hex ed25519 public keys. When set, signed modules are
	// verified before loading.
	TrustedKeys       []string `mapstructure:"trusted_keys"`
	RequireSignatures bool     `mapstructure:"require_signatures"`
	// Isolate runs RPC plugin processes with a minimal environment. PassEnv
	// lists host variables they still inherit.
	Isolate bool     `mapstructure:"isolate"`
	PassEnv []string `mapstructure:"pass_env"`
}

type EngineConfig struct {
	EventCapacity int           `mapstructure:"event_capacity"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Workers       int           `mapstructure:"workers"`
}

type GlobalsConfig struct {
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
	Prefix   string `mapstructure:"prefix"`
}

type StoreConfig struct {
	// Path of the SQLite database. Empty disables persistence.
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type MacrosConfig struct {
	// File is a YAML macro library loaded at startup.
	File string `mapstructure:"file"`
}

// Config is the host configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Globals  GlobalsConfig  `mapstructure:"globals"`
	Store    StoreConfig    `mapstructure:"store"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Macros   MacrosConfig   `mapstructure:"macros"`
	Triggers []trigger.Spec `mapstructure:"triggers"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("plugins.dirs", []string{"./plugins"})
	v.SetDefault("plugins.hot_reload", false)
	v.SetDefault("plugins.debounce", 500*time.Millisecond)
	v.SetDefault("plugins.dispatch_limit", 0)
	v.SetDefault("plugins.builtins", []string{"flow", "system", "timer"})
	v.SetDefault("plugins.trusted_keys", []string{})
	v.SetDefault("plugins.require_signatures", false)
	v.SetDefault("plugins.isolate", false)
	v.SetDefault("plugins.pass_env", []string{})
	v.SetDefault("engine.event_capacity", 256)
	v.SetDefault("engine.poll_interval", 50*time.Millisecond)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("globals.backend", "local")
	v.SetDefault("globals.redis_url", "")
	v.SetDefault("globals.prefix", "macrohost:globals:")
	v.SetDefault("store.path", "macrohost.db")
	v.SetDefault("store.retention", 30*24*time.Hour)
	v.SetDefault("http.addr", ":8085")
	v.SetDefault("macros.file", "")
}

// Load reads path, or macrohost.yaml from the working directory and
// /etc/macrohost when path is empty. A missing default file is not an
// error; a missing explicit one is.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("macrohost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/macrohost")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apierrors.Wrap(apierrors.CodeInvalidConfiguration, op, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidConfiguration, op, err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the host cannot start with.
func (c *Config) Validate() error {
	const op = "config.Validate"
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Globals.Backend {
	case "local", "memory":
	case "redis":
		if c.Globals.RedisURL == "" {
			errs = append(errs, errors.New("globals.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown globals.backend %q", c.Globals.Backend))
	}
	if c.Engine.EventCapacity <= 0 {
		errs = append(errs, fmt.Errorf("engine.event_capacity must be positive, got %d", c.Engine.EventCapacity))
	}
	if c.Engine.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.poll_interval must be positive, got %s", c.Engine.PollInterval))
	}
	if c.Plugins.RequireSignatures && len(c.Plugins.TrustedKeys) == 0 {
		errs = append(errs, errors.New("plugins.require_signatures needs plugins.trusted_keys"))
	}
	for i, t := range c.Triggers {
		if t.Name == "" || t.Schedule == "" {
			errs = append(errs, fmt.Errorf("triggers[%d] needs a name and a schedule", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return apierrors.Wrap(apierrors.CodeInvalidConfiguration, op, err)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the slog logger described by c.
func NewLogger(c LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidConfiguration, "config.NewLogger", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
