// Package plugin is the host side of the plugin runtime: the registry that
// owns loaded plugins, their configuration and event delivery.
//
// The public plugin types live in pkg/plugin and are re-exported here so
// host code can refer to them without a second import.
package plugin

import (
	pkgplugin "github.com/goatkit/macrohost/pkg/plugin"
)

type Plugin = pkgplugin.Plugin
type Info = pkgplugin.Info
type Config = pkgplugin.Config
type Event = pkgplugin.Event
type State = pkgplugin.State
type Capability = pkgplugin.Capability
type Metadata = pkgplugin.Metadata
