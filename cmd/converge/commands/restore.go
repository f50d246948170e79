package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"converge/pkg/core"
	"converge/pkg/exporter"
	"converge/pkg/refs"
	"converge/pkg/types"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <ref|snapshot> <dir>",
	Short: "Write a snapshot into a plain directory",
	Long: `Write the files of a ref's current snapshot, or of any stored snapshot,
into a directory. The directory does not join the ref: nothing is
proposed and no index is kept.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start := time.Now()

		// 1. 解析快照：先按 ref 名字，再按哈希前缀
		var snapshot types.Hash
		ref, err := CV.Refs.Open(ctx, types.RefName(args[0]))
		switch {
		case err == nil:
			snapshot = ref.CurrentSnapshot().ID()
		case errors.Is(err, refs.ErrRefNotFound):
			snapshot, err = CV.Content.Expand(ctx, args[0])
			if err != nil {
				return fmt.Errorf("%q is neither a ref nor a snapshot: %w", args[0], err)
			}
		default:
			return err
		}

		// 2. 还原
		if err := os.MkdirAll(args[1], 0o755); err != nil {
			return err
		}
		var files int
		var bytes int64
		exp := exporter.NewExporter(CV.Content)
		err = exp.Restore(ctx, snapshot, osfs.New(args[1]), func(_ string, e core.TreeEntry) {
			files++
			bytes += e.Size
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "restored %s: %d files, %d bytes in %s\n",
			snapshot.Short(), files, bytes, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}
