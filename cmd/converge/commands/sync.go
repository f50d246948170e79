package commands

import (
	"fmt"
	"io"

	"converge/pkg/service"
	"converge/pkg/types"

	"github.com/spf13/cobra"
)

var strictSync bool

var syncCmd = &cobra.Command{
	Use:   "sync <ref> <dir>",
	Short: "Sync a directory with a ref",
	Long: `Propose the local edits of a directory to a ref, merge them with
every other replica's, and write the converged tree back to the directory.
Paths that cannot be read or written are reported and left alone.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := Svc.Sync(cmd.Context(), types.RefName(args[0]), args[1])
		if err != nil {
			return err
		}
		printSyncResult(cmd.OutOrStdout(), res)
		if strictSync {
			return res.Err()
		}
		return nil
	},
}

func printSyncResult(w io.Writer, res *service.SyncResult) {
	fmt.Fprintf(w, "snapshot %s\n", res.Handle)
	fmt.Fprintf(w, "replica %s: %d local changes, %d written, %d deleted\n",
		res.Replica, res.Changes, res.Written, res.Deleted)
	for _, c := range res.Conflicts {
		fmt.Fprintf(w, "conflict  %s\n", c)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning   %s\n", warn.Error())
	}
}

func init() {
	syncCmd.Flags().BoolVar(&strictSync, "strict", false, "fail when some paths could not be synced")
	rootCmd.AddCommand(syncCmd)
}
