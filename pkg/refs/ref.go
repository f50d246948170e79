// Package refs 实现 convergent ref：指向目录最新收敛快照的
// 可复制指针，底层是只追加的操作日志。
package refs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"converge/pkg/clock"
	"converge/pkg/content"
	"converge/pkg/core"
	"converge/pkg/journal"
	"converge/pkg/merge"
	"converge/pkg/metrics"
	"converge/pkg/types"
)

var (
	ErrRefNotFound      = journal.ErrRefNotFound
	ErrRefExists        = journal.ErrRefExists
	ErrConcurrentUpdate = journal.ErrConcurrentUpdate
	ErrInvalidRefName   = errors.New("invalid ref name")
)

// maxCommitAttempts 限制重试次数，用于其他进程在我们重新加载
// 和提交之间移动了头指针的情况。
const maxCommitAttempts = 3

type State int32

const (
	Quiescent State = iota
	Merging
)

func (s State) String() string {
	if s == Merging {
		return "merging"
	}
	return "quiescent"
}

// view 是 ref 的一个已发布状态，发布之后不会再修改。
type view struct {
	snapshot *core.Snapshot
	previous types.Hash
	files    map[string]core.TreeEntry
	ops      []core.Operation // 按 id 排序
	version  int64
}

// Outcome 是把新操作合并进 ref 的结果
type Outcome struct {
	Snapshot *core.Snapshot
	Files    map[string]core.TreeEntry
	// Conflicts 是相对调用方 base 时钟的新冲突
	Conflicts []merge.ConflictRecord
	// Applied 是对 ref 来说新的操作数量
	Applied int
}

// ConvergentRef 可以并发使用。读者从不阻塞：它们加载
// 最后发布的 view。写者在 mu 上串行化。
type ConvergentRef struct {
	name    types.RefName
	id      string
	creator types.ReplicaID

	journal journal.Journal
	content *content.Store
	engine  *merge.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	cur   atomic.Pointer[view]
	state atomic.Int32
}

func (r *ConvergentRef) Name() types.RefName      { return r.name }
func (r *ConvergentRef) ID() string               { return r.id }
func (r *ConvergentRef) Creator() types.ReplicaID { return r.creator }
func (r *ConvergentRef) State() State             { return State(r.state.Load()) }

// CurrentSnapshot 返回最后一次收敛的快照
func (r *ConvergentRef) CurrentSnapshot() *core.Snapshot { return r.cur.Load().snapshot }

// Previous 是上一次合并替换掉的快照，新 ref 为零值。
func (r *ConvergentRef) Previous() types.Hash { return r.cur.Load().previous }

func (r *ConvergentRef) Clock() clock.VectorClock {
	return r.cur.Load().snapshot.Clock.Copy()
}

// Files 返回当前快照的文件集合。调用方不得
// 修改这个 map。
func (r *ConvergentRef) Files() map[string]core.TreeEntry { return r.cur.Load().files }

// Operations 返回按 op id 排序的完整日志
func (r *ConvergentRef) Operations() []core.Operation {
	ops := r.cur.Load().ops
	out := make([]core.Operation, len(ops))
	copy(out, ops)
	return out
}

// OperationsSince 返回 vc 没有覆盖的操作，即处于 vc 的
// 副本缺少的部分。
func (r *ConvergentRef) OperationsSince(vc clock.VectorClock) []core.Operation {
	var out []core.Operation
	for _, op := range r.cur.Load().ops {
		if vc.Get(op.ID.Replica) < op.ID.Counter {
			out = append(out, op)
		}
	}
	return out
}

// ProposeChange 把每个变更打戳为 replica 在 changeset base 时钟之上
// 的操作，与 ref 持有的所有操作合并，然后发布
// 收敛后的快照。
func (r *ConvergentRef) ProposeChange(ctx context.Context, cs core.Changeset, replica types.ReplicaID) (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Store(int32(Merging))
	defer r.state.Store(int32(Quiescent))

	if cs.IsEmpty() {
		if _, err := r.refreshLocked(ctx); err != nil {
			return nil, err
		}
		cur := r.cur.Load()
		return &Outcome{Snapshot: cur.snapshot, Files: cur.files}, nil
	}

	if seen := r.cur.Load().snapshot.Clock.Get(replica); cs.Base.Get(replica) < seen {
		r.logger.Warn("base is behind operations already stamped by this replica; another writer may share its id",
			"ref", r.name,
			"replica", replica.String(),
			"base", cs.Base.Get(replica),
			"ref_counter", seen,
		)
	}

	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		cur := r.cur.Load()
		ops := stamp(cs, replica, cur)

		out, err := r.fold(ctx, cur, cs.Base, ops)
		if errors.Is(err, journal.ErrConcurrentUpdate) {
			lastErr = err
			r.logger.Debug("ref moved concurrently, reloading", "ref", r.name, "attempt", attempt+1)
			if err := r.reloadLocked(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		r.metrics.RecordProposed(len(ops))
		return out, nil
	}
	return nil, fmt.Errorf("propose to %s: %w", r.name, lastErr)
}

// ObserveRemote 接收其他副本产生的操作。ref 已经持有的
// 操作会被忽略。
func (r *ConvergentRef) ObserveRemote(ctx context.Context, ops []core.Operation) (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Store(int32(Merging))
	defer r.state.Store(int32(Quiescent))

	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		cur := r.cur.Load()
		fresh, err := newOps(cur.ops, ops)
		if err != nil {
			return nil, err
		}
		if len(fresh) == 0 {
			return &Outcome{Snapshot: cur.snapshot, Files: cur.files}, nil
		}

		out, err := r.fold(ctx, cur, cur.snapshot.Clock, fresh)
		if errors.Is(err, journal.ErrConcurrentUpdate) {
			lastErr = err
			if err := r.reloadLocked(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		r.metrics.RecordObserved(len(fresh))
		return out, nil
	}
	return nil, fmt.Errorf("observe into %s: %w", r.name, lastErr)
}

// Reload 用 journal 中的 view 替换已发布的 view，
// 从而看到其他进程的提交。
func (r *ConvergentRef) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked(ctx)
}

// Refresh 获取自本 view 加载以来其他进程在 journal 上的提交。
// 返回 view 是否发生了变化。
func (r *ConvergentRef) Refresh(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *ConvergentRef) refreshLocked(ctx context.Context) (bool, error) {
	rec, err := r.journal.GetRef(ctx, r.name)
	if err != nil {
		return false, fmt.Errorf("load ref %s: %w", r.name, err)
	}
	if rec.Version == r.cur.Load().version {
		return false, nil
	}
	r.logger.Debug("ref moved in the journal, reloading", "ref", r.name, "version", rec.Version)
	if err := r.reloadLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// fold 把 fresh 合并进日志，持久化结果并发布。
// journal 提交成功之前什么都不会发布。
func (r *ConvergentRef) fold(ctx context.Context, cur *view, base clock.VectorClock, fresh []core.Operation) (*Outcome, error) {
	start := time.Now()
	res, err := r.engine.Merge(base, cur.ops, fresh)
	r.metrics.ObserveMerge(time.Since(start))
	if err != nil {
		r.logger.Error("merge rejected operations", "ref", r.name, "error", err)
		return nil, fmt.Errorf("merge %s: %w", r.name, err)
	}

	for _, t := range res.Trees {
		if err := r.content.PutObject(ctx, t); err != nil {
			return nil, err
		}
	}
	if err := r.content.PutObject(ctx, res.Snapshot); err != nil {
		return nil, err
	}

	head := journal.Head{
		Snapshot: res.Snapshot.ID(),
		Previous: cur.snapshot.ID(),
		Clock:    res.Snapshot.Clock,
	}
	if err := r.journal.Commit(ctx, r.name, fresh, head, cur.version); err != nil {
		return nil, err
	}

	all := mergeLog(cur.ops, fresh)
	r.cur.Store(&view{
		snapshot: res.Snapshot,
		previous: head.Previous,
		files:    res.Files,
		ops:      all,
		version:  cur.version + 1,
	})

	for _, c := range res.Conflicts {
		r.logger.Info("conflict resolved",
			"ref", r.name,
			"path", c.Path,
			"kind", c.Kind,
			"winner", c.Winner.String(),
			"resolution", c.Resolution,
		)
		r.metrics.RecordConflict(string(c.Kind))
	}

	return &Outcome{
		Snapshot:  res.Snapshot,
		Files:     res.Files,
		Conflicts: res.Conflicts,
		Applied:   len(fresh),
	}, nil
}

func (r *ConvergentRef) reloadLocked(ctx context.Context) error {
	rec, err := r.journal.GetRef(ctx, r.name)
	if err != nil {
		return fmt.Errorf("load ref %s: %w", r.name, err)
	}
	ops, err := r.journal.LoadOps(ctx, r.name)
	if err != nil {
		return fmt.Errorf("load ops of %s: %w", r.name, err)
	}

	res, err := r.engine.Apply(rec.Clock, ops)
	if err != nil {
		r.logger.Error("journal replay failed", "ref", r.name, "error", err)
		return fmt.Errorf("replay %s: %w", r.name, err)
	}

	// 在另一种冲突策略下写入的头指针回放结果不同；
	// 以本地的解释为准，它的对象必须存在。
	if res.Snapshot.ID() != rec.Snapshot {
		r.logger.Warn("replayed snapshot differs from journal head",
			"ref", r.name,
			"journal", rec.Snapshot.Short(),
			"replayed", res.Snapshot.ID().Short(),
		)
		for _, t := range res.Trees {
			if err := r.content.PutObject(ctx, t); err != nil {
				return err
			}
		}
		if err := r.content.PutObject(ctx, res.Snapshot); err != nil {
			return err
		}
	}

	set, _ := merge.Union(ops)
	r.cur.Store(&view{
		snapshot: res.Snapshot,
		previous: rec.Previous,
		files:    res.Files,
		ops:      set,
		version:  rec.Version,
	})
	return nil
}

// stamp 把变更转换成操作。counter 会越过 changeset 中的每个
// 上下文，以及该副本已经写入 ref 的所有内容，所以即使 base
// 过期 id 也保持唯一。每个操作只覆盖它自己的上下文和
// 该副本更早的 tick。
func stamp(cs core.Changeset, replica types.ReplicaID, cur *view) []core.Operation {
	floor := max(cs.Base.Max(), cur.snapshot.Clock.Get(replica))
	for _, ch := range cs.Changes {
		floor = max(floor, ch.Clock.Max())
	}

	ops := make([]core.Operation, 0, len(cs.Changes))
	for _, ch := range cs.Changes {
		floor++
		ops = append(ops, core.Operation{
			ID:    core.OpID{Counter: floor, Replica: replica},
			Kind:  ch.Kind,
			Path:  ch.Path,
			Hash:  ch.Hash,
			Size:  ch.Size,
			Mode:  ch.Mode,
			Clock: cs.ContextOf(ch).With(replica, floor),
		})
	}
	return ops
}

// newOps 返回 batch 中还不在 log 里的 op，并合并 batch 内部
// 的重复项。已知 id 但 payload 不同的会被拒绝。
func newOps(log, batch []core.Operation) ([]core.Operation, error) {
	known := make(map[core.OpID]core.Operation, len(log))
	for _, op := range log {
		known[op.ID] = op
	}

	set, err := merge.Union(batch)
	if err != nil {
		return nil, err
	}

	var out []core.Operation
	for _, op := range set {
		if prev, ok := known[op.ID]; ok {
			if !prev.SamePayload(op) {
				return nil, fmt.Errorf("%w: op %s seen with two payloads", merge.ErrInvariantViolation, op.ID)
			}
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func mergeLog(log, fresh []core.Operation) []core.Operation {
	out := make([]core.Operation, 0, len(log)+len(fresh))
	out = append(out, log...)
	out = append(out, fresh...)
	core.SortOperations(out)
	return out
}
