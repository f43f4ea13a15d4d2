package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/goatkit/macrohost/internal/plugin/discovery"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// NewPluginsCommand groups the offline plugin tooling.
func NewPluginsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect, scaffold, sign and package plugins",
	}
	cmd.AddCommand(newPluginsScanCommand(opts))
	cmd.AddCommand(newPluginsInitCommand(opts))
	cmd.AddCommand(newPluginsKeygenCommand(opts))
	cmd.AddCommand(newPluginsSignCommand(opts))
	cmd.AddCommand(newPluginsPackCommand(opts))
	cmd.AddCommand(newPluginsInstallCommand(opts))
	return cmd
}

type pluginRow struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Path         string              `json:"path"`
	Dependencies []plugin.Dependency `json:"dependencies,omitempty"`
}

func newPluginsScanCommand(opts *RootOptions) *cobra.Command {
	var ordered bool

	cmd := &cobra.Command{
		Use:   "scan [dir...]",
		Short: "List the plugins found in the plugin directories",
		Long: "Scan reads plugin manifests without loading any code. Directories default " +
			"to plugins.dirs. With --order the list is in dependency load order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			dirs := args
			if len(dirs) == 0 {
				dirs = cfg.Plugins.Dirs
			}
			if len(dirs) == 0 {
				return fmt.Errorf("no plugin directories: pass one or set plugins.dirs")
			}
			metas, err := scanPlugins(cmd, dirs, ordered)
			if err != nil {
				return err
			}
			logger.Debug("scan finished", "dirs", dirs, "plugins", len(metas))

			rows := make([]pluginRow, 0, len(metas))
			for _, m := range metas {
				rows = append(rows, pluginRow{
					Name:         m.Info.Name,
					Version:      m.Info.Version,
					Path:         m.Path,
					Dependencies: m.Dependencies,
				})
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"plugins": rows}, func(w io.Writer) {
				if len(rows) == 0 {
					fmt.Fprintln(w, "no plugins found")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tVERSION\tDEPENDS\tPATH")
				for _, r := range rows {
					deps := make([]string, 0, len(r.Dependencies))
					for _, d := range r.Dependencies {
						deps = append(deps, d.Name)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Version, strings.Join(deps, ","), r.Path)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&ordered, "order", false, "sort by dependency load order")
	return cmd
}

func scanPlugins(cmd *cobra.Command, dirs []string, ordered bool) ([]*plugin.Metadata, error) {
	exts := moduleExtensions()
	d := discovery.New(nil, discovery.WithExtensions(exts...))
	for _, dir := range dirs {
		if err := d.AddDirectory(dir); err != nil {
			return nil, err
		}
	}
	metas, err := d.ScanPlugins(cmd.Context())
	if err != nil {
		return nil, err
	}
	if ordered {
		return d.CalculateLoadOrder()
	}
	return metas, nil
}
