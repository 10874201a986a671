package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/markdown-scraper/internal/app"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve POST /v1/scrape backed by the worker pool",
		Long: `Runs an HTTP server that accepts {"url": "...", "timeout_ms": 30000} on
POST /v1/scrape, forwards it to a worker over the broker and returns the
result as JSON.`,
		Args: cobra.NoArgs,
		RunE: withApp(runGatewayCommand),
	}
}

func runGatewayCommand(cmd *cobra.Command, _ []string, appInstance *app.App) error {
	c := appInstance.NewClient()
	srv := newHTTPServer(appInstance.Config().Server.Port, appInstance.NewServer(c, nil).Handler())
	return serveHTTP(cmd.Context(), srv, appInstance.Logger())
}
