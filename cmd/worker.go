package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/markdown-scraper/internal/app"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume scrape requests from the broker",
		Long: `Runs the scrape worker. It consumes one request at a time from the input
queue, fetches and converts the page, and publishes the result to the
requester's reply queue. Health and metrics are served on server.port.`,
		Args: cobra.NoArgs,
		RunE: withApp(runWorkerCommand),
	}
}

func runWorkerCommand(cmd *cobra.Command, _ []string, appInstance *app.App) error {
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	w := appInstance.NewWorker()
	srv := newHTTPServer(cfg.Server.Port, appInstance.NewServer(nil, w.Ready).Handler())

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run worker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return serveHTTP(ctx, srv, logger)
	})

	err := g.Wait()
	logger.Info("worker stopped", zap.Error(err))
	return err
}
