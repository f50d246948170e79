package commands

import (
	"fmt"

	"converge/pkg/exporter"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat <hash>",
	Short: "Show an object by hash",
	Long: `Print a snapshot or tree, or write file content to stdout.
Short hash prefixes are accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exp := exporter.NewExporter(CV.Content)
		if err := exp.PrintObject(cmd.Context(), args[0], cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("cat failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
