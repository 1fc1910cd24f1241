package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/causelist/internal/api"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/observability"
	"github.com/xkilldash9x/causelist/internal/service"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scrape API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runServe(ctx, observability.GetLogger(), cfg, componentFactory)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (overrides api.addr)")
	serveCmd.Flags().String("format", "", "artifact format: pdf, text or xml (overrides renderer.format)")
	serveCmd.Flags().String("output-dir", "", "artifact directory (overrides renderer.output_dir)")
	serveCmd.Flags().String("mode", "", "challenge mode: human or solver (overrides challenge.mode)")
	return serveCmd
}

// runServe hosts the API and the session sweeper until ctx is cancelled.
func runServe(ctx context.Context, logger *zap.Logger, cfg config.Interface, factory service.ComponentFactory) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.API().ShutdownTimeout)
		defer cancel()
		components.Shutdown(shutdownCtx)
	}()

	var history api.HistoryReader
	if components.Archive != nil {
		history = components.Archive
	}
	var options api.OptionLister
	if components.Catalog != nil {
		options = components.Catalog
	}
	handlers := api.NewHandlers(logger, components.Coordinator, options, history, components.DownloadDir)
	server := api.NewServer(cfg.API(), handlers, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return components.Coordinator.RunSweeper(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped.")
	return nil
}
