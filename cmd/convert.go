package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/markdown-scraper/internal/converter"
)

func newConvertCmd() *cobra.Command {
	var cleaned bool
	cmd := &cobra.Command{
		Use:   "convert [file]",
		Short: "Convert a local HTML file (or stdin) to Markdown",
		Args:  cobra.MaximumNArgs(1),
		// No broker or config needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			out := converter.New().Convert(string(raw))
			if cleaned {
				fmt.Fprintln(cmd.OutOrStdout(), out.HTML)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Markdown)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cleaned, "html", false, "print the cleaned HTML instead of Markdown")
	return cmd
}
