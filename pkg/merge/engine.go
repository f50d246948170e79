// Package merge 把一组操作解释为一棵目录树。
//
// 解释是这组操作的纯函数：持有相同操作的副本算出相同的树，
// 与收到它们的顺序无关。对每个路径，没有被该路径上其他操作
// 在因果上支配的操作构成 frontier；只有一个元素的 frontier
// 就是该路径的值，更多元素就是冲突，按固定规则解决。
package merge

import (
	"cmp"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"converge/pkg/clock"
	"converge/pkg/core"
	"converge/pkg/treebuilder"
)

// ErrInvariantViolation 表示操作集格式错误：重复使用的 op id、
// 非法路径，或者无法解决的名字冲突。
var ErrInvariantViolation = errors.New("invariant violation")

const DefaultMaxSuffixAttempts = 1000

type Config struct {
	Policy Policy
	// MaxSuffixAttempts 限制寻找空闲冲突文件名的次数
	MaxSuffixAttempts int
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxSuffixAttempts <= 0 {
		cfg.MaxSuffixAttempts = DefaultMaxSuffixAttempts
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Policy() Policy { return e.cfg.Policy }

// Result 是一个操作集的解释结果
type Result struct {
	Snapshot *core.Snapshot
	// Trees 保存快照的所有树对象，根在最后
	Trees []*core.Tree
	Files map[string]core.TreeEntry
	// Conflicts 列出至少有一个操作不在传给 Merge 的 base
	// 时钟之内的冲突。
	Conflicts []ConflictRecord
	Ops       int
}

// Merge 解释 a 和 b 的并集。base 只决定哪些冲突
// 被报告为新冲突。
func (e *Engine) Merge(base clock.VectorClock, a, b []core.Operation) (*Result, error) {
	all := make([]core.Operation, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return e.Apply(base, all)
}

// Apply 解释 ops。payload 相同的重复 op 会被合并。
func (e *Engine) Apply(base clock.VectorClock, ops []core.Operation) (*Result, error) {
	// 1. 并集
	set, err := Union(ops)
	if err != nil {
		return nil, err
	}

	// 2. 按路径分组，合并时钟
	byPath := make(map[string][]core.Operation)
	total := clock.New()
	for _, op := range set {
		byPath[op.Path] = append(byPath[op.Path], op)
		total = total.Merge(op.Clock)
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	// 3. 为每个路径选出胜者和可能的败者
	st := &state{
		engine: e,
		base:   base,
		live:   make(map[string]core.Operation),
	}
	for _, p := range paths {
		st.resolvePath(p, frontier(byPath[p]))
	}

	// 4. 命名：先处理文件/目录冲突，再处理冲突副本
	files, err := st.layout()
	if err != nil {
		return nil, err
	}

	// 5. 构建树
	built, err := treebuilder.Build(files)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}
	snap, err := core.NewSnapshot(built.Root.ID(), total, built.Files)
	if err != nil {
		return nil, err
	}

	return &Result{
		Snapshot:  snap,
		Trees:     built.Trees,
		Files:     files,
		Conflicts: st.conflicts,
		Ops:       len(set),
	}, nil
}

// Union 把 ops 合并成按 id 排序的集合。相同 id 但 payload
// 不同属于违反不变量。
func Union(ops []core.Operation) ([]core.Operation, error) {
	byID := make(map[core.OpID]core.Operation, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
		}
		if prev, ok := byID[op.ID]; ok {
			if !prev.SamePayload(op) {
				return nil, fmt.Errorf("%w: op %s seen with two payloads", ErrInvariantViolation, op.ID)
			}
			continue
		}
		byID[op.ID] = op
	}

	out := make([]core.Operation, 0, len(byID))
	for _, op := range byID {
		out = append(out, op)
	}
	core.SortOperations(out)
	return out, nil
}

// frontier 返回某路径上没有被该路径其他 op 因果跟随的 op，
// 按 id 排序。一个 op 只可能被时钟总和更大的 op 支配，
// 而支配关系是传递的，所以只需与已经构建的 frontier 比较。
func frontier(ops []core.Operation) []core.Operation {
	sorted := slices.Clone(ops)
	slices.SortFunc(sorted, func(a, b core.Operation) int {
		if c := cmp.Compare(b.Clock.Sum(), a.Clock.Sum()); c != 0 {
			return c
		}
		return b.ID.Compare(a.ID)
	})

	var out []core.Operation
	for _, op := range sorted {
		dominated := false
		for _, f := range out {
			if f.Clock.Compare(op.Clock) == clock.After {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, op)
		}
	}
	core.SortOperations(out)
	return out
}

type loser struct {
	origin string
	op     core.Operation
}

type state struct {
	engine    *Engine
	base      clock.VectorClock
	live      map[string]core.Operation
	losers    []loser
	conflicts []ConflictRecord
}

func (s *state) isNew(ops ...core.Operation) bool {
	for _, op := range ops {
		if !s.base.Covers(op.Clock) {
			return true
		}
	}
	return false
}

// record 在任一参与者对 base 来说是新的时保留 c
func (s *state) record(c ConflictRecord, participants []core.Operation) {
	if s.isNew(participants...) {
		s.conflicts = append(s.conflicts, c)
	}
}

func (s *state) resolvePath(p string, front []core.Operation) {
	if len(front) == 1 {
		if front[0].Kind.IsWrite() {
			s.live[p] = front[0]
		}
		return
	}

	var writes, deletes []core.Operation
	for _, op := range front {
		if op.Kind.IsWrite() {
			writes = append(writes, op)
		} else {
			deletes = append(deletes, op)
		}
	}
	if len(writes) == 0 {
		return
	}

	// 1. 删除 vs 修改
	if len(deletes) > 0 {
		policy := s.engine.cfg.Policy
		rec := ConflictRecord{
			Path:       p,
			Kind:       DeleteModify,
			Winner:     writes[len(writes)-1].ID,
			Losers:     opIDs(deletes),
			Resolution: "kept modified file",
		}
		if policy == DeleteWins {
			rec.Winner = deletes[len(deletes)-1].ID
			rec.Losers = opIDs(writes)
			rec.Resolution = "deleted"
		} else if policy == KeepBoth {
			rec.Resolution = "kept both, modified file restored"
		}
		s.record(rec, front)
		if policy == DeleteWins {
			return
		}
	}

	// 2. 修改 vs 修改。每种不同内容选一个代表 (该组最大的 op id)；
	// 总体最大的保留原名。
	groups := make(map[string]core.Operation)
	for _, op := range writes {
		key := string(op.Hash)
		if cur, ok := groups[key]; !ok || cur.ID.Compare(op.ID) < 0 {
			groups[key] = op
		}
	}
	reps := make([]core.Operation, 0, len(groups))
	for _, op := range groups {
		reps = append(reps, op)
	}
	// 最新的在前
	slices.SortFunc(reps, func(a, b core.Operation) int { return b.ID.Compare(a.ID) })

	s.live[p] = reps[0]
	for _, l := range reps[1:] {
		s.losers = append(s.losers, loser{origin: p, op: l})
	}
}

// layout 把胜者和败者转换成最终的 path -> entry 集合
func (s *state) layout() (map[string]core.TreeEntry, error) {
	files := make(map[string]core.TreeEntry, len(s.live)+len(s.losers))
	for p, op := range s.live {
		files[p] = entryFor(op, "")
	}

	taken := newNameSet(files)

	// 1. 文件/目录冲突：目录胜出，文件移到一旁。
	var clashing []string
	for p := range s.live {
		if taken.isDir(p) {
			clashing = append(clashing, p)
		}
	}
	slices.Sort(clashing)
	for _, p := range clashing {
		op := s.live[p]
		name, err := s.freeName(p, taken)
		if err != nil {
			return nil, err
		}
		delete(files, p)
		taken.remove(p)
		files[name] = entryFor(op, p)
		taken.add(name)

		participants := []core.Operation{op}
		for q, other := range s.live {
			if strings.HasPrefix(q, p+"/") {
				participants = append(participants, other)
			}
		}
		s.record(ConflictRecord{
			Path:       p,
			Kind:       FileDir,
			Winner:     op.ID,
			Siblings:   []string{name},
			Resolution: "file moved aside for directory",
		}, participants)
	}

	// 2. 并发内容：败者使用带编号的副本名
	var current *ConflictRecord
	var group []core.Operation
	flush := func() {
		if current != nil {
			s.record(*current, group)
		}
		current, group = nil, nil
	}
	for _, l := range s.losers {
		if current == nil || current.Path != l.origin {
			flush()
			winner := s.live[l.origin]
			current = &ConflictRecord{
				Path:       l.origin,
				Kind:       ModifyModify,
				Winner:     winner.ID,
				Resolution: "kept both",
			}
			group = []core.Operation{winner}
		}

		name, err := s.freeName(l.origin, taken)
		if err != nil {
			return nil, err
		}
		files[name] = entryFor(l.op, l.origin)
		taken.add(name)

		current.Losers = append(current.Losers, l.op.ID)
		current.Siblings = append(current.Siblings, name)
		group = append(group, l.op)
	}
	flush()

	return files, nil
}

func (s *state) freeName(origin string, taken *nameSet) (string, error) {
	for n := 1; n <= s.engine.cfg.MaxSuffixAttempts; n++ {
		name := siblingName(origin, n)
		if !taken.has(name) && !taken.isDir(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no free conflict name for %s after %d attempts",
		ErrInvariantViolation, origin, s.engine.cfg.MaxSuffixAttempts)
}

func entryFor(op core.Operation, origin string) core.TreeEntry {
	return core.TreeEntry{
		Name:   path.Base(op.Path),
		Type:   core.EntryFile,
		Hash:   core.NewLink(op.Hash),
		Size:   op.Size,
		Mode:   op.Mode,
		Clock:  op.Clock.Copy(),
		Origin: origin,
	}
}

func opIDs(ops []core.Operation) []core.OpID {
	out := make([]core.OpID, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

// nameSet 记录文件路径以及它们隐含的目录
type nameSet struct {
	files map[string]struct{}
	dirs  map[string]int
}

func newNameSet(files map[string]core.TreeEntry) *nameSet {
	ns := &nameSet{
		files: make(map[string]struct{}, len(files)),
		dirs:  make(map[string]int),
	}
	for p := range files {
		ns.add(p)
	}
	return ns
}

func (ns *nameSet) add(p string) {
	ns.files[p] = struct{}{}
	for d := path.Dir(p); d != "."; d = path.Dir(d) {
		ns.dirs[d]++
	}
}

func (ns *nameSet) remove(p string) {
	delete(ns.files, p)
	for d := path.Dir(p); d != "."; d = path.Dir(d) {
		if ns.dirs[d]--; ns.dirs[d] <= 0 {
			delete(ns.dirs, d)
		}
	}
}

func (ns *nameSet) has(p string) bool {
	_, ok := ns.files[p]
	return ok
}

func (ns *nameSet) isDir(p string) bool { return ns.dirs[p] > 0 }
