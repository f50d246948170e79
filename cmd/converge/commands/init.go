package commands

import (
	"fmt"

	"converge/pkg/types"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init <ref>",
	Short: "Create a convergent ref",
	Long:  `Create an empty convergent ref that directories can then be synced with.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := Svc.Init(cmd.Context(), types.RefName(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized ref %s (id %s, creator %s)\n", ref.Name(), ref.ID(), ref.Creator())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
