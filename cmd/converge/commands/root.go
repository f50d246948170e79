package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"converge/pkg/app"
	"converge/pkg/config"
	"converge/pkg/service"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// CV 是所有子命令共享的应用容器
	CV *app.App
	// Svc 由 CV 构建一次
	Svc *service.SyncService
)

var rootCmd = &cobra.Command{
	Use:          "converge",
	Short:        "converge: convergent directory synchronization",
	SilenceUsage: true,
	// 在每个子命令之前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.SetupLogger(os.Stderr, viper.GetString("log.level"), viper.GetString("log.format")); err != nil {
			return err
		}
		if CV != nil {
			return nil
		}

		var err error
		CV, err = app.NewApp(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize converge: %w", err)
		}
		Svc = service.NewSyncService(CV)
		return nil
	},
}

// Execute 运行 CLI，无论结果如何都释放 app
func Execute() error {
	return ExecuteContext(context.Background())
}

func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	shutdown()
	return err
}

// shutdown 导出 metrics，关闭存储和 journal
func shutdown() {
	if CV == nil {
		return
	}
	if path := viper.GetString("metrics.textfile"); path != "" {
		if err := CV.Metrics.WriteTextfile(path); err != nil {
			slog.Warn("failed to write metrics", "path", path, "error", err)
		}
	}
	if err := CV.Close(); err != nil {
		slog.Warn("failed to close app", "error", err)
	}
	CV, Svc = nil, nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.converge/config.yaml)")

	// flag 覆盖配置文件和环境变量
	flags := map[string]string{
		"storage-path":    "storage.path",
		"journal-type":    "journal.type",
		"journal-path":    "journal.path",
		"conflict-policy": "sync.conflict_policy",
		"replica":         "sync.replica_id",
		"log-level":       "log.level",
	}
	rootCmd.PersistentFlags().String("storage-path", "", "directory to store objects")
	rootCmd.PersistentFlags().String("journal-type", "", "op journal: sqlite, postgres or badger")
	rootCmd.PersistentFlags().String("journal-path", "", "op journal file or directory")
	rootCmd.PersistentFlags().String("conflict-policy", "", "modify-wins, delete-wins or keep-both")
	rootCmd.PersistentFlags().String("replica", "", "replica id local edits are stamped with")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	for flag, key := range flags {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintln(os.Stderr, "failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
}
