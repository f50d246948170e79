// pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"converge/pkg/content"
	"converge/pkg/dirsync"
	"converge/pkg/journal"
	"converge/pkg/journal/kv"
	"converge/pkg/merge"
	"converge/pkg/meta"
	"converge/pkg/metrics"
	"converge/pkg/refs"
	"converge/pkg/storage"
	"converge/pkg/storage/cache"
	"converge/pkg/storage/disk"
	"converge/pkg/storage/memory"
	"converge/pkg/storage/s3"
	"converge/pkg/types"

	"github.com/spf13/viper"
)

// App 是依赖容器，持有进程级的单例，
// 由 viper 配置组装，不感知 CLI。
type App struct {
	Backend storage.Store
	Content *content.Store
	Journal journal.Journal
	Engine  *merge.Engine
	Refs    *refs.Registry
	Syncer  *dirsync.Syncer
	Metrics *metrics.Metrics // metrics.enabled 关闭时为 nil
	Logger  *slog.Logger
	// Replica 是配置的 replica id；nil 表示让每个目录
	// 自己生成。
	Replica *types.ReplicaID
}

// NewApp 按当前配置组装整个系统
func NewApp(ctx context.Context) (*App, error) {
	logger := slog.Default()

	// 1. 对象存储
	store, err := initStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	// 2. 操作日志
	j, err := initJournal(ctx)
	if err != nil {
		closeQuietly(store)
		return nil, fmt.Errorf("failed to init journal: %w", err)
	}

	// 3. 合并策略和副本身份
	policy, err := merge.ParsePolicy(viper.GetString("sync.conflict_policy"))
	if err != nil {
		closeQuietly(store, j)
		return nil, err
	}
	replica, err := replicaFromConfig()
	if err != nil {
		closeQuietly(store, j)
		return nil, err
	}

	var m *metrics.Metrics
	if viper.GetBool("metrics.enabled") {
		m = metrics.New()
	}

	cs := content.NewStore(store)
	engine := merge.NewEngine(merge.Config{Policy: policy})

	return &App{
		Backend: store,
		Content: cs,
		Journal: j,
		Engine:  engine,
		Refs:    refs.NewRegistry(j, cs, engine, m, logger),
		Syncer: dirsync.New(cs, dirsync.Options{
			Workers: viper.GetInt("sync.workers"),
			Replica: replica,
			Logger:  logger,
			Metrics: m,
		}),
		Metrics: m,
		Logger:  logger,
		Replica: replica,
	}, nil
}

// Close 释放 journal 和存储后端
func (a *App) Close() error {
	var errs []error
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	if c, ok := a.Backend.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func initStore(ctx context.Context) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)

	switch storeType := viper.GetString("storage.type"); storeType {
	case "disk", "":
		path := viper.GetString("storage.path")
		if path == "" {
			return nil, fmt.Errorf("storage path not set")
		}
		store, err = disk.NewAdapter(path, disk.Options{
			CompressionLevel: viper.GetInt("storage.compress"),
		})
	case "s3":
		cfg := s3.Config{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			AccessKeyID:     viper.GetString("storage.s3.access_key"),
			SecretAccessKey: viper.GetString("storage.s3.secret_key"),
		}
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 bucket is required")
		}
		store, err = s3.NewAdapter(ctx, cfg)
	case "memory":
		store = memory.NewAdapter()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storeType)
	}
	if err != nil {
		return nil, err
	}

	// 可选：在任意后端之前加一层存在性缓存
	if url := viper.GetString("cache.redis_url"); url != "" {
		cached, err := cache.NewCachedStore(store, cache.Config{
			RedisURL: url,
			TTL:      viper.GetDuration("cache.ttl"),
		})
		if err != nil {
			closeQuietly(store)
			return nil, err
		}
		store = cached
	}
	return store, nil
}

func initJournal(ctx context.Context) (journal.Journal, error) {
	switch journalType := viper.GetString("journal.type"); journalType {
	case "sqlite", "":
		path := viper.GetString("journal.path")
		if path == "" {
			return nil, fmt.Errorf("journal path not set")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		db, err := meta.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return meta.NewRepository(db), nil
	case "postgres":
		db, err := meta.NewDB(ctx, meta.Config{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetInt("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			DBName:   viper.GetString("database.dbname"),
			SSLMode:  viper.GetString("database.sslmode"),
		})
		if err != nil {
			return nil, err
		}
		return meta.NewRepository(db), nil
	case "badger":
		// 路径为空时 journal 保存在内存中
		j, err := kv.Open(viper.GetString("journal.path"))
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unsupported journal type: %s", journalType)
	}
}

// replicaFromConfig 返回配置的 replica id，返回 nil 表示让每个
// 目录自己生成。
func replicaFromConfig() (*types.ReplicaID, error) {
	raw := viper.GetString("sync.replica_id")
	if raw == "" {
		return nil, nil
	}
	id, err := types.ParseReplicaID(raw)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}
	return &id, nil
}

func closeQuietly(xs ...any) {
	for _, x := range xs {
		if c, ok := x.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
