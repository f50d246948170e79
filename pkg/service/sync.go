// Package service 是 converge 操作的入口。SyncService
// 由 app 容器构建一次，由所有调用方共享。
package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"converge/pkg/app"
	"converge/pkg/core"
	"converge/pkg/dirsync"
	"converge/pkg/merge"
	"converge/pkg/refs"
	"converge/pkg/types"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

var (
	// ErrPrecondition 标记在改动任何东西之前就被拒绝的请求
	ErrPrecondition  = errors.New("precondition failed")
	ErrNotADirectory = fmt.Errorf("%w: not a directory", ErrPrecondition)
	ErrPartialSync   = errors.New("partial sync")
	ErrRefNotFound   = refs.ErrRefNotFound
)

// metrics 中记录的同步结果
const (
	OutcomeOK      = "ok"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

type SyncService struct {
	app *app.App
}

func NewSyncService(application *app.App) *SyncService {
	return &SyncService{app: application}
}

// SyncResult 是调用方从一次同步中得到的信息
type SyncResult struct {
	// Handle 是目录当前对应的快照哈希
	Handle    string
	Snapshot  *core.Snapshot
	Replica   types.ReplicaID
	Changes   int
	Written   int
	Deleted   int
	Conflicts []merge.ConflictRecord
	Warnings  []dirsync.Warning
}

// Partial 表示是否有路径保持原样
func (r *SyncResult) Partial() bool { return len(r.Warnings) > 0 }

// Err 在完整同步时为 nil，否则包装 ErrPartialSync
func (r *SyncResult) Err() error {
	if !r.Partial() {
		return nil
	}
	errs := make([]error, len(r.Warnings))
	for i, w := range r.Warnings {
		errs[i] = w
	}
	return fmt.Errorf("%w: %d paths unresolved: %w", ErrPartialSync, len(r.Warnings), errors.Join(errs...))
}

// Sync 让 dir 所在的目录和指定的 ref 达成一致。
// 目录必须存在；在做任何事之前先检查。
func (s *SyncService) Sync(ctx context.Context, name types.RefName, dir string) (*SyncResult, error) {
	if err := checkDir(dir); err != nil {
		return nil, err
	}
	return s.SyncFS(ctx, name, osfs.New(dir))
}

// SyncFS 是在任意文件系统上的 Sync
func (s *SyncService) SyncFS(ctx context.Context, name types.RefName, fsys billy.Filesystem) (*SyncResult, error) {
	ref, err := s.app.Refs.Open(ctx, name)
	if err != nil {
		s.app.Metrics.RecordSync(OutcomeFailed)
		return nil, err
	}

	res, err := s.app.Syncer.Sync(ctx, ref, fsys)
	if err != nil {
		s.app.Metrics.RecordSync(OutcomeFailed)
		return nil, fmt.Errorf("sync %s: %w", name, err)
	}

	out := &SyncResult{
		Handle:    res.Snapshot.ID().String(),
		Snapshot:  res.Snapshot,
		Replica:   res.Replica,
		Changes:   res.Changes,
		Written:   res.Written,
		Deleted:   res.Deleted,
		Conflicts: res.Conflicts,
		Warnings:  res.Warnings,
	}
	if out.Partial() {
		s.app.Metrics.RecordSync(OutcomePartial)
	} else {
		s.app.Metrics.RecordSync(OutcomeOK)
	}
	return out, nil
}

func checkDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrNotADirectory)
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrNotADirectory, dir)
		}
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotADirectory, dir)
	}
	return nil
}
