package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"converge/pkg/clock"
	"converge/pkg/content"
	"converge/pkg/core"
	"converge/pkg/dirsync"
	"converge/pkg/refs"
	"converge/pkg/types"

	"github.com/go-git/go-billy/v5/osfs"
)

var ErrForeignOps = errors.New("operations belong to another ref")

// Init 创建 ref。创建者是配置的 replica，或者新生成一个。
func (s *SyncService) Init(ctx context.Context, name types.RefName) (*refs.ConvergentRef, error) {
	creator := types.RandomReplicaID()
	if s.app.Replica != nil {
		creator = *s.app.Replica
	}
	return s.app.Refs.Create(ctx, name, creator)
}

// RefStatus 描述一个 ref；给出目录时，还包括该目录下一次同步
// 会提交的编辑。
type RefStatus struct {
	Name     types.RefName
	ID       string
	Creator  types.ReplicaID
	State    refs.State
	Snapshot *core.Snapshot
	Previous types.Hash
	Ops      int
	Pending  []core.Change
	Warnings []dirsync.Warning
}

func (s *SyncService) Status(ctx context.Context, name types.RefName, dir string) (*RefStatus, error) {
	ref, err := s.app.Refs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	st := &RefStatus{
		Name:     ref.Name(),
		ID:       ref.ID(),
		Creator:  ref.Creator(),
		State:    ref.State(),
		Snapshot: ref.CurrentSnapshot(),
		Previous: ref.Previous(),
		Ops:      len(ref.Operations()),
	}
	if dir == "" {
		return st, nil
	}

	if err := checkDir(dir); err != nil {
		return nil, err
	}
	sc, err := s.app.Syncer.Pending(ctx, osfs.New(dir))
	if err != nil {
		return nil, err
	}
	st.Pending = sc.Changeset.Changes
	st.Warnings = sc.Warnings
	return st, nil
}

// Log 返回 ref 的操作，从新到旧。非空的 prefix 只保留
// 该路径及其下的操作；limit <= 0 表示全部。
func (s *SyncService) Log(ctx context.Context, name types.RefName, prefix string, limit int) ([]core.Operation, error) {
	ref, err := s.app.Refs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	prefix = strings.Trim(prefix, "/")

	ops := ref.Operations()
	out := make([]core.Operation, 0, len(ops))
	for _, op := range slices.Backward(ops) {
		if prefix != "" && op.Path != prefix && !strings.HasPrefix(op.Path, prefix+"/") {
			continue
		}
		out = append(out, op)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// OpsBundle 是不共享 journal 的副本之间的交换格式
type OpsBundle struct {
	Ref     types.RefName     `json:"ref"`
	RefID   string            `json:"ref_id"`
	Creator types.ReplicaID   `json:"creator"`
	Clock   clock.VectorClock `json:"clock"`
	Ops     []core.Operation  `json:"ops"`
}

// ExportOps 打包 since 没有覆盖的操作 (nil 时为全部)
func (s *SyncService) ExportOps(ctx context.Context, name types.RefName, since clock.VectorClock) (*OpsBundle, error) {
	ref, err := s.app.Refs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &OpsBundle{
		Ref:     ref.Name(),
		RefID:   ref.ID(),
		Creator: ref.Creator(),
		Clock:   ref.Clock(),
		Ops:     ref.OperationsSince(since),
	}, nil
}

// ImportOps 合并从同一 ref 的另一个副本导出的 bundle。
// 本地不存在的 ref 会作为 bundle 的 ref 的副本创建。
func (s *SyncService) ImportOps(ctx context.Context, name types.RefName, b *OpsBundle) (*refs.Outcome, error) {
	ref, err := s.app.Refs.Open(ctx, name)
	if errors.Is(err, refs.ErrRefNotFound) && b.RefID != "" {
		ref, err = s.app.Refs.CreateReplica(ctx, name, b.RefID, b.Creator)
	}
	if err != nil {
		return nil, err
	}
	if b.RefID != "" && b.RefID != ref.ID() {
		return nil, fmt.Errorf("%w: bundle of %s (%s), ref %s is %s", ErrForeignOps, b.Ref, b.RefID, name, ref.ID())
	}
	return ref.ObserveRemote(ctx, b.Ops)
}

// GC 删除任何 ref 都无法到达的对象。不能和同步同时运行。
func (s *SyncService) GC(ctx context.Context) (content.GCStats, error) {
	live, err := s.app.Refs.LiveSnapshots(ctx)
	if err != nil {
		return content.GCStats{}, err
	}
	return s.app.Content.GC(ctx, live)
}
