package commands

import (
	"fmt"
	"io"

	"converge/pkg/core"
	"converge/pkg/types"

	"github.com/spf13/cobra"
)

var (
	logPath  string
	logLimit int
)

var logCmd = &cobra.Command{
	Use:   "log <ref>",
	Short: "Show the operation log of a ref",
	Long:  `Display the operations folded into a ref, newest first.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ops, err := Svc.Log(cmd.Context(), types.RefName(args[0]), logPath, logLimit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No operations yet.")
			return nil
		}
		for _, op := range ops {
			printOp(cmd.OutOrStdout(), op)
		}
		return nil
	},
}

func printOp(w io.Writer, op core.Operation) {
	const (
		colorYellow = "\033[33m"
		colorReset  = "\033[0m"
	)
	fmt.Fprintf(w, "%sop %s%s %s %s\n", colorYellow, op.ID, colorReset, op.Kind, op.Path)
	if op.Kind.IsWrite() {
		fmt.Fprintf(w, "    blob %s, %d bytes\n", op.Hash.Short(), op.Size)
	}
	fmt.Fprintf(w, "    clock %s\n", op.Clock)
}

func init() {
	logCmd.Flags().StringVar(&logPath, "path", "", "only operations on this path or below it")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "show at most n operations")
	rootCmd.AddCommand(logCmd)
}
