package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"converge/pkg/app"
	"converge/pkg/content"
	"converge/pkg/dirsync"
	"converge/pkg/journal/kv"
	"converge/pkg/merge"
	"converge/pkg/metrics"
	"converge/pkg/refs"
	"converge/pkg/storage/memory"
	"converge/pkg/types"

	"github.com/stretchr/testify/require"
)

// setupTestApp 构建所有 service 测试共享的容器：
// 内存 store 和 journal、开启 metrics、固定的 replica。
func setupTestApp(t *testing.T, replica types.ReplicaID) *app.App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	j, err := kv.Open("")
	require.NoError(t, err)

	backend := memory.NewAdapter()
	store := content.NewStore(backend)
	engine := merge.NewEngine(merge.Config{Policy: merge.ModifyWins})
	m := metrics.New()

	a := &app.App{
		Backend: backend,
		Content: store,
		Journal: j,
		Engine:  engine,
		Refs:    refs.NewRegistry(j, store, engine, m, logger),
		Syncer: dirsync.New(store, dirsync.Options{
			Workers: 2,
			Replica: &replica,
			Logger:  logger,
			Metrics: m,
		}),
		Metrics: m,
		Logger:  logger,
		Replica: &replica,
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// peer 是同一个 store 和 journal 上的第二个副本
func peer(t *testing.T, a *app.App, replica types.ReplicaID) *SyncService {
	t.Helper()
	b := *a
	b.Replica = &replica
	b.Syncer = dirsync.New(a.Content, dirsync.Options{Workers: 2, Replica: &replica, Logger: a.Logger})
	return NewSyncService(&b)
}

// process 是同一个 store 和 journal 上的第二个进程：它有
// 自己的 ref 缓存，只能通过 journal 得知其他提交。
func process(t *testing.T, a *app.App, replica types.ReplicaID) *SyncService {
	t.Helper()
	b := *a
	b.Metrics = nil
	b.Replica = &replica
	b.Refs = refs.NewRegistry(a.Journal, a.Content, a.Engine, nil, a.Logger)
	b.Syncer = dirsync.New(a.Content, dirsync.Options{Workers: 2, Replica: &replica, Logger: a.Logger})
	return NewSyncService(&b)
}

// detached 是拥有独立 journal、只共享对象存储的副本，
// 就像 op 通过导出和导入传递一样。
func detached(t *testing.T, a *app.App, replica types.ReplicaID) *SyncService {
	t.Helper()
	j, err := kv.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	b := *a
	b.Journal = j
	b.Metrics = nil
	b.Replica = &replica
	b.Refs = refs.NewRegistry(j, a.Content, a.Engine, nil, a.Logger)
	b.Syncer = dirsync.New(a.Content, dirsync.Options{Workers: 2, Replica: &replica, Logger: a.Logger})
	return NewSyncService(&b)
}

func mustInit(t *testing.T, s *SyncService, name types.RefName) {
	t.Helper()
	_, err := s.Init(context.Background(), name)
	require.NoError(t, err)
}

func writeFile(t *testing.T, dir, name, data string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(data)
}

// syncCount 读取某个结果的 converge_syncs_total
func syncCount(t *testing.T, a *app.App, outcome string) float64 {
	t.Helper()
	families, err := a.Metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "converge_syncs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
