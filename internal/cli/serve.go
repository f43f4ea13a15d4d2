package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goatkit/macrohost/internal/api"
	"github.com/goatkit/macrohost/internal/host"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand runs the host and its admin API until interrupted.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, err := host.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if err := h.Start(ctx); err != nil {
				_ = h.Shutdown(context.Background())
				return err
			}
			if cfg.File != "" {
				logger.Info("using config", "file", cfg.File)
			}

			serveErr := api.NewServer(h, logger).ListenAndServe(ctx, cfg.HTTP.Addr)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(serveErr, h.Shutdown(shutdownCtx))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}
