package dirsync

import (
	"context"
	"fmt"

	"converge/pkg/core"
	"converge/pkg/index"
	"converge/pkg/merge"
	"converge/pkg/refs"
	"converge/pkg/types"

	"github.com/go-git/go-billy/v5"
)

// Proposer 是一次同步需要的 convergent ref 接口
type Proposer interface {
	Name() types.RefName
	ProposeChange(ctx context.Context, cs core.Changeset, replica types.ReplicaID) (*refs.Outcome, error)
}

type Result struct {
	Snapshot  *core.Snapshot
	Replica   types.ReplicaID
	Changes   int
	Written   int
	Deleted   int
	Conflicts []merge.ConflictRecord
	Warnings  []Warning
}

// Sync 扫描目录，把本地编辑提交给 ref，然后写回收敛树。
// 单个路径的问题放在 Result.Warnings 中；返回 error 表示
// 目录没有被更新到最新。
func (s *Syncer) Sync(ctx context.Context, ref Proposer, fsys billy.Filesystem) (*Result, error) {
	idx, err := index.Load(fsys)
	if err != nil {
		return nil, err
	}
	if idx.Ref != "" && idx.Ref != ref.Name() {
		return nil, fmt.Errorf("%w: %s, not %s", ErrIndexMismatch, idx.Ref, ref.Name())
	}
	replica := s.replicaFor(idx)

	// 1. 扫描
	sc, err := s.ScanLocal(ctx, fsys, idx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 2. 提交
	out, err := ref.ProposeChange(ctx, sc.Changeset, replica)
	if err != nil {
		return nil, err
	}
	sc.Apply(idx)
	idx.Ref = ref.Name()

	if err := ctx.Err(); err != nil {
		return nil, s.saveAfterFailure(fsys, idx, err)
	}

	// 3. 物化
	rep, err := s.Materialize(ctx, fsys, idx, out.Files, out.Snapshot.Clock)
	if err != nil {
		return nil, s.saveAfterFailure(fsys, idx, err)
	}

	idx.SetBase(out.Snapshot.ID(), out.Snapshot.Clock)
	if err := idx.Save(fsys); err != nil {
		return nil, fmt.Errorf("save index: %w", err)
	}

	res := &Result{
		Snapshot:  out.Snapshot,
		Replica:   replica,
		Changes:   len(sc.Changeset.Changes),
		Written:   rep.Written,
		Deleted:   rep.Deleted,
		Conflicts: out.Conflicts,
		Warnings:  append(sc.Warnings, rep.Warnings...),
	}
	s.metrics.RecordWarnings(len(res.Warnings))

	s.logger.Info("directory synced",
		"ref", ref.Name(),
		"snapshot", out.Snapshot.ID().Short(),
		"changes", res.Changes,
		"written", res.Written,
		"deleted", res.Deleted,
		"conflicts", len(res.Conflicts),
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// saveAfterFailure 在同步提前结束时保留 index 已经学到的内容。
// base 保持不变，所以下一次扫描仍把未物化的远端变更
// 当作与本地编辑并发。
func (s *Syncer) saveAfterFailure(fsys billy.Filesystem, idx *index.Index, cause error) error {
	if err := idx.Save(fsys); err != nil {
		s.logger.Warn("failed to save index after interrupted sync", "error", err)
	}
	return cause
}

// replicaFor 选择给本地编辑打戳的 id：配置的 id，
// 或者该目录第一次同步时随机生成的 id。
func (s *Syncer) replicaFor(idx *index.Index) types.ReplicaID {
	if s.replica != nil {
		return *s.replica
	}
	if idx.Replica == 0 {
		idx.Replica = types.RandomReplicaID()
	}
	return idx.Replica
}
