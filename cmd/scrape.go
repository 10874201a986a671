package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/markdown-scraper/internal/app"
)

func newScrapeCmd() *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "Scrape one URL through the worker pool",
		Long: `Sends a single scrape request over the broker and prints the Markdown
(or the full result with --json). Exits non-zero when the scrape fails.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance *app.App) error {
			c := appInstance.NewClient()
			res, err := c.Scrape(cmd.Context(), args[0], timeout)
			if err != nil {
				return fmt.Errorf("scrape %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
			} else if res.Success {
				fmt.Fprintln(out, res.Markdown)
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "reply timeout (default client.timeout_ms)")
	return cmd
}
