// Package cli implements the macrohost command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/goatkit/macrohost/internal/config"
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	Config  string
	Verbose bool
	Format  string // "text" | "json"
}

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the macrohost command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "macrohost",
		Short:         "Event-driven automation host",
		Long:          "macrohost loads plugins, catalogs their actions and runs macros in response to events.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (default ./macrohost.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPluginsCommand(opts))
	cmd.AddCommand(NewMacroCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// load reads the configuration and builds the logger. Logs go to the
// command's error stream so stdout stays clean for --format json.
func (o *RootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, nil, err
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// emit writes v as indented JSON, or calls text for the text format.
func (o *RootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
