// Package dirsync 让目录和 convergent ref 保持一致：它把本地
// 编辑扫描成 changeset，提交它，然后把收敛树写回
// 磁盘。
package dirsync

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"converge/pkg/content"
	"converge/pkg/metrics"
	"converge/pkg/types"
)

var (
	ErrNotWritable   = errors.New("directory is not writable")
	ErrIndexMismatch = errors.New("directory is synced with another ref")
)

// Warning 是没有中断同步的单个路径问题。该路径保持
// 原样，由下一次同步重试。
type Warning struct {
	Path string
	Op   string // "read"、"write"、"delete"、"prune"、"skip"
	Err  error
}

func (w Warning) Error() string { return fmt.Sprintf("%s %s: %v", w.Op, w.Path, w.Err) }
func (w Warning) Unwrap() error { return w.Err }

type Options struct {
	// Workers 限制并发哈希和 blob 获取的数量
	Workers int
	// Replica 如果设置，覆盖每个目录自己的 replica id
	Replica *types.ReplicaID
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Syncer struct {
	content *content.Store
	workers int
	replica *types.ReplicaID
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(store *content.Store, opts Options) *Syncer {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Syncer{
		content: store,
		workers: opts.Workers,
		replica: opts.Replica,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

func (s *Syncer) warn(warnings []Warning, w Warning) []Warning {
	s.logger.Warn("skipping path", "op", w.Op, "path", w.Path, "error", w.Err)
	return append(warnings, w)
}
