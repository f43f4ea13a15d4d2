package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/goatkit/macrohost/internal/plugin/loader"
	"github.com/goatkit/macrohost/internal/plugin/packaging"
)

func moduleExtensions() []string {
	return loader.NewLoader(".", nil).Extensions()
}

type packageRow struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Module  string `json:"module"`
	Signed  bool   `json:"signed"`
	Path    string `json:"path"`
}

func newPluginsPackCommand(opts *RootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Bundle a built plugin into a ZIP archive",
		Long: "Pack writes the module, its manifest and its signature if present. " +
			"The archive defaults to <name>.zip in the current directory.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := out
			if target == "" {
				target = filepath.Base(filepath.Clean(args[0])) + ".zip"
			}
			pkg, err := packaging.Pack(args[0], target, moduleExtensions())
			if err != nil {
				return err
			}
			row := packageRow{pkg.Manifest.Name, pkg.Manifest.Version, pkg.Module, pkg.Signed, target}
			return opts.emit(cmd.OutOrStdout(), row, func(w io.Writer) {
				fmt.Fprintf(w, "packed %s %s into %s (signed: %t)\n", row.Name, row.Version, row.Path, row.Signed)
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "archive path")
	return cmd
}

func newPluginsInstallCommand(opts *RootOptions) *cobra.Command {
	var (
		dir     string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "install <archive>",
		Short: "Install a plugin archive into a plugin directory",
		Long: "Install extracts the archive into <dir>/<name>/. The directory defaults to the " +
			"first of plugins.dirs. A running host with hot reload picks up a replaced module.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if dir == "" {
				if len(cfg.Plugins.Dirs) == 0 {
					return fmt.Errorf("no plugin directory: pass --dir or set plugins.dirs")
				}
				dir = cfg.Plugins.Dirs[0]
			}
			module, pkg, err := packaging.Install(args[0], dir, moduleExtensions(), replace)
			if err != nil {
				return err
			}
			logger.Debug("plugin installed", "name", pkg.Manifest.Name, "module", module)

			row := packageRow{pkg.Manifest.Name, pkg.Manifest.Version, pkg.Module, pkg.Signed, module}
			return opts.emit(cmd.OutOrStdout(), row, func(w io.Writer) {
				fmt.Fprintf(w, "installed %s %s to %s\n", row.Name, row.Version, row.Path)
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "plugin directory")
	cmd.Flags().BoolVar(&replace, "replace", false, "overwrite an existing installation")
	return cmd
}
