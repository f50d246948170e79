package commands

import (
	"fmt"

	"converge/pkg/types"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <ref> [dir]",
	Short: "Show a ref and the pending edits of a directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		if len(args) == 2 {
			dir = args[1]
		}
		st, err := Svc.Status(cmd.Context(), types.RefName(args[0]), dir)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "ref      %s (%s)\n", st.Name, st.ID)
		fmt.Fprintf(w, "creator  %s\n", st.Creator)
		fmt.Fprintf(w, "state    %s\n", st.State)
		fmt.Fprintf(w, "snapshot %s\n", st.Snapshot.ID())
		fmt.Fprintf(w, "clock    %s\n", st.Snapshot.Clock)
		fmt.Fprintf(w, "files    %d\n", st.Snapshot.Files)
		fmt.Fprintf(w, "ops      %d\n", st.Ops)
		if dir == "" {
			return nil
		}

		if len(st.Pending) == 0 && len(st.Warnings) == 0 {
			fmt.Fprintln(w, "\nnothing to sync, directory is clean")
			return nil
		}
		fmt.Fprintln(w)
		for _, c := range st.Pending {
			fmt.Fprintf(w, "  %-7s %s\n", c.Kind, c.Path)
		}
		for _, warn := range st.Warnings {
			fmt.Fprintf(w, "  warning %s\n", warn.Error())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
