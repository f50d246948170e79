package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DirName 是 converge 状态 (对象、journal、配置) 的用户级目录
const DirName = ".converge"

// Load 初始化全局 viper 配置。
// cfgFile 可选；为空时搜索常用位置。
func Load(cfgFile string) error {
	// 1. 默认值
	if err := setDefaults(); err != nil {
		return err
	}

	// 2. 搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		// ./config.yaml, ./.converge/config.yaml, ~/.converge/config.yaml
		viper.AddConfigPath(".")
		viper.AddConfigPath(DirName)
		viper.AddConfigPath(filepath.Join(home, DirName))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 3. 环境变量 (CONVERGE_STORAGE_PATH, CONVERGE_SYNC_REPLICA_ID ...)
	viper.SetEnvPrefix("CONVERGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 配置文件
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("fatal error config file: %w", err)
		}
		slog.Debug("no config file found, using defaults and env")
	} else {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}

	return nil
}

func setDefaults() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	root := filepath.Join(home, DirName)

	// 存储
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(root, "objects"))
	viper.SetDefault("storage.compress", 1)
	viper.SetDefault("storage.s3.region", "us-east-1")

	// 存在性缓存，未设置 url 时关闭
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.ttl", "24h")

	// 操作日志
	viper.SetDefault("journal.type", "sqlite")
	viper.SetDefault("journal.path", filepath.Join(root, "journal.db"))

	// postgres journal
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	// 同步
	viper.SetDefault("sync.conflict_policy", "modify-wins")
	viper.SetDefault("sync.replica_id", "")
	viper.SetDefault("sync.workers", 0)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.textfile", "")
	return nil
}
