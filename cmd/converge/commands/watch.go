package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"converge/pkg/service"
	"converge/pkg/types"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <ref> <dir>",
	Short: "Sync a directory repeatedly until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchInterval <= 0 {
			return fmt.Errorf("interval must be positive")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		name, dir := types.RefName(args[0]), args[1]
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()

		for {
			res, err := Svc.Sync(ctx, name, dir)
			switch {
			case errors.Is(err, service.ErrPrecondition), errors.Is(err, service.ErrRefNotFound):
				return err
			case ctx.Err() != nil:
				slog.Info("watch stopped", "ref", name, "dir", dir)
				return nil
			case err != nil:
				// 暂时性错误 (journal 争用、存储抖动)：下一次 tick 再试
				slog.Error("sync failed", "ref", name, "dir", dir, "error", err)
			case res.Changes > 0 || res.Written > 0 || res.Deleted > 0 || res.Partial():
				printSyncResult(cmd.OutOrStdout(), res)
			}

			if path := viper.GetString("metrics.textfile"); path != "" {
				if err := CV.Metrics.WriteTextfile(path); err != nil {
					slog.Warn("failed to write metrics", "path", path, "error", err)
				}
			}

			select {
			case <-ctx.Done():
				slog.Info("watch stopped", "ref", name, "dir", dir)
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 30*time.Second, "time between syncs")
	rootCmd.AddCommand(watchCmd)
}
