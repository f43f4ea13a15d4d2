package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"
	"github.com/xeonx/timeago"

	"github.com/goatkit/macrohost/internal/config"
	"github.com/goatkit/macrohost/internal/host"
	"github.com/goatkit/macrohost/internal/macro"
)

// NewMacroCommand groups the macro tooling that runs without the admin API.
func NewMacroCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macro",
		Short: "Validate and run macro files",
	}
	cmd.AddCommand(newMacroValidateCommand(opts))
	cmd.AddCommand(newMacroRunCommand(opts))
	return cmd
}

// withHost starts a host for one command. Plugins load as in serve, but no
// watcher or admin API is started and the macro file comes from the
// command line.
func withHost(cmd *cobra.Command, opts *RootOptions, edit func(*config.Config), fn func(context.Context, *host.Host) error) error {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	cfg.Plugins.HotReload = false
	cfg.Macros.File = ""
	if edit != nil {
		edit(cfg)
	}
	return runHost(cmd.Context(), cfg, logger, fn)
}

func runHost(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(context.Context, *host.Host) error) error {
	h, err := host.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		return errors.Join(err, h.Shutdown(context.WithoutCancel(ctx)))
	}
	err = fn(ctx, h)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(err, h.Shutdown(shutdownCtx))
}

type macroSummary struct {
	Name    string `json:"name"`
	Actions int    `json:"actions"`
	Enabled bool   `json:"enabled"`
}

func newMacroValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Build every macro in a file against the loaded action catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noStore := func(cfg *config.Config) { cfg.Store.Path = "" }
			return withHost(cmd, opts, noStore, func(ctx context.Context, h *host.Host) error {
				n, buildErr := h.LoadMacros(ctx, args[0])
				if n == 0 && buildErr != nil {
					return buildErr
				}
				list := h.Library().List()
				built := make([]macroSummary, 0, len(list))
				for _, m := range list {
					built = append(built, macroSummary{Name: m.Name, Actions: len(m.Actions), Enabled: m.Enabled})
				}
				body := map[string]any{"file": args[0], "macros": built}
				if buildErr != nil {
					body["errors"] = buildErr.Error()
				}
				if err := opts.emit(cmd.OutOrStdout(), body, func(w io.Writer) {
					for _, m := range built {
						fmt.Fprintf(w, "ok   %s (%d actions)\n", m.Name, m.Actions)
					}
					if buildErr != nil {
						fmt.Fprintf(w, "fail %v\n", buildErr)
					}
				}); err != nil {
					return err
				}
				return buildErr
			})
		},
	}
}

func newMacroRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <file> <macro>",
		Short: "Run one macro to completion and print its final context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, opts, nil, func(ctx context.Context, h *host.Host) error {
				if _, err := h.LoadMacros(ctx, args[0]); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				}
				m, ok := h.Library().Resolve(args[1])
				if !ok {
					return fmt.Errorf("macro %q not found in %s", args[1], args[0])
				}
				runErr := h.RunMacro(ctx, m.ID.String())
				snap, ok := h.Engine().Context(m.ID)
				if !ok {
					return runErr
				}
				if err := opts.emit(cmd.OutOrStdout(), snap, func(w io.Writer) {
					printSnapshot(w, m, snap)
				}); err != nil {
					return err
				}
				return runErr
			})
		},
	}
}

func printSnapshot(w io.Writer, m *macro.Macro, snap macro.Snapshot) {
	fmt.Fprintf(w, "%s: %s\n", m.Name, snap.State)
	if !snap.StartedAt.IsZero() {
		fmt.Fprintf(w, "  started: %s\n", timeago.English.Format(snap.StartedAt))
	}
	if snap.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", snap.Reason)
	}
	if snap.LastResult != nil {
		fmt.Fprintf(w, "  last result: success=%t %s\n", snap.LastResult.Success, snap.LastResult.Message)
	}
	names := make([]string, 0, len(snap.Variables))
	for k := range snap.Variables {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "  %s = %v\n", k, snap.Variables[k])
	}
}
