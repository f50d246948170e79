package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"converge/pkg/clock"
	"converge/pkg/service"
	"converge/pkg/types"

	"github.com/spf13/cobra"
)

var (
	exportSince string
	exportOut   string
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Exchange operations with replicas that do not share a journal",
}

var opsExportCmd = &cobra.Command{
	Use:   "export <ref>",
	Short: "Write the operations of a ref as JSON",
	Long: `Write the operations of a ref as a JSON bundle. With --since, only
operations missing from that earlier bundle are written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var since clock.VectorClock
		if exportSince != "" {
			prev, err := readBundle(exportSince)
			if err != nil {
				return err
			}
			since = prev.Clock
		}

		bundle, err := Svc.ExportOps(cmd.Context(), types.RefName(args[0]), since)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(bundle)
	},
}

var opsImportCmd = &cobra.Command{
	Use:   "import <ref> <file>",
	Short: "Fold a JSON bundle of operations into a ref",
	Long: `Fold operations exported from another replica into a ref. The ref is
created when it does not exist yet. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := readBundle(args[1])
		if err != nil {
			return err
		}
		out, err := Svc.ImportOps(cmd.Context(), types.RefName(args[0]), bundle)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "imported %d operations, snapshot %s\n", len(bundle.Ops), out.Snapshot.ID())
		for _, c := range out.Conflicts {
			fmt.Fprintf(w, "conflict  %s\n", c)
		}
		return nil
	},
}

func readBundle(name string) (*service.OpsBundle, error) {
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var b service.OpsBundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("invalid ops bundle %s: %w", name, err)
	}
	return &b, nil
}

func init() {
	opsExportCmd.Flags().StringVar(&exportSince, "since", "", "earlier bundle; export only what it lacks")
	opsExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "write to a file instead of stdout")
	opsCmd.AddCommand(opsExportCmd, opsImportCmd)
	rootCmd.AddCommand(opsCmd)
}
