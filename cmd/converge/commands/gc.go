package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete objects no ref can reach",
	Long: `Delete every stored object that is not reachable from the current or
previous snapshot of some ref. Do not run while a sync is in progress.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := Svc.GC(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scanned %d objects, kept %d, deleted %d\n", stats.Scanned, stats.Live, stats.Deleted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
