package dirsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"converge/pkg/core"
	"converge/pkg/ignore"
	"converge/pkg/index"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/errgroup"
)

// Scan 是目录相对其 index 的本地状态
type Scan struct {
	Changeset core.Changeset
	// Seen 保存磁盘上找到的每个可读普通文件
	Seen     map[string]index.Entry
	Warnings []Warning
	// skipped 是无法读取的路径 (文件或目录)；位于它们
	// 之下的 index entry 保持原样。
	skipped []string
}

// Skipped 判断 p 是否是 (或位于) 扫描无法读取的路径
// 之下。
func (sc *Scan) Skipped(p string) bool {
	for _, s := range sc.skipped {
		if p == s || strings.HasPrefix(p, s+"/") {
			return true
		}
	}
	return false
}

type candidate struct {
	path string
	info os.FileInfo
}

type hashed struct {
	entry index.Entry
	err   error
}

// ScanLocal 遍历目录，把每个文件和 index 比较，index 记录的是
// 目录上一次同步时的样子。大小和 mtime 与 index entry 一致的
// 文件复用已记录的哈希。
func (s *Syncer) ScanLocal(ctx context.Context, fsys billy.Filesystem, idx *index.Index) (*Scan, error) {
	return s.scan(ctx, fsys, idx, true)
}

// Pending 返回下一次同步会提交的本地编辑。不会存储任何
// 内容，index 也保持不变。
func (s *Syncer) Pending(ctx context.Context, fsys billy.Filesystem) (*Scan, error) {
	idx, err := index.Load(fsys)
	if err != nil {
		return nil, err
	}
	return s.scan(ctx, fsys, idx, false)
}

func (s *Syncer) scan(ctx context.Context, fsys billy.Filesystem, idx *index.Index, store bool) (*Scan, error) {
	matcher, err := ignore.NewMatcher(fsys)
	if err != nil {
		return nil, fmt.Errorf("load ignore rules: %w", err)
	}

	sc := &Scan{Seen: make(map[string]index.Entry)}
	var files []candidate

	// 1. 遍历
	err = util.Walk(fsys, "", func(p string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p = filepath.ToSlash(p)
		if p == "" || p == "." {
			if err != nil {
				return fmt.Errorf("read directory root: %w", err)
			}
			return nil
		}
		if err != nil {
			s.skip(sc, p, "read", err)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			if matcher.Matches(p) || matcher.Matches(p+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.Matches(p) {
			return nil
		}
		if !info.Mode().IsRegular() {
			s.logger.Debug("ignoring non-regular file", "path", p, "mode", info.Mode().String())
			return nil
		}
		if err := core.ValidatePath(p); err != nil {
			s.skip(sc, p, "skip", err)
			return nil
		}
		files = append(files, candidate{path: p, info: info})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 2. 在有界的池中计算哈希；每个任务独占自己的结果槽位。
	known := idx.Snapshot()
	results := make([]hashed, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, c := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.hashFile(gctx, fsys, c, known[c.path], store)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, c := range files {
		if results[i].err != nil {
			s.skip(sc, c.path, "read", results[i].err)
			continue
		}
		sc.Seen[c.path] = results[i].entry
	}

	// 3. 与 index 比较
	sc.Changeset = core.Changeset{
		BaseSnapshot: idx.Base,
		Base:         idx.Clock.Copy(),
		Changes:      sc.diff(known, idx),
	}
	return sc, nil
}

func (s *Syncer) skip(sc *Scan, p, op string, err error) {
	sc.skipped = append(sc.skipped, p)
	sc.Warnings = s.warn(sc.Warnings, Warning{Path: p, Op: op, Err: err})
}

// hashFile 返回文件的 index entry，当内容与 index 记录的
// 不同时存储它。
func (s *Syncer) hashFile(ctx context.Context, fsys billy.Filesystem, c candidate, prev index.Entry, store bool) hashed {
	entry := index.Entry{
		Size:    c.info.Size(),
		ModTime: c.info.ModTime(),
		Mode:    uint32(c.info.Mode().Perm()),
		Origin:  prev.Origin,
		Clock:   prev.Clock,
	}
	if !prev.Hash.IsZero() && prev.Unchanged(entry.Size, entry.ModTime) {
		entry.Hash = prev.Hash
		return hashed{entry: entry}
	}

	data, err := util.ReadFile(fsys, c.path)
	if err != nil {
		return hashed{err: err}
	}
	entry.Size = int64(len(data))
	entry.Hash = core.CalculateBlobHash(data)

	if entry.Hash != prev.Hash {
		if store {
			if _, err := s.content.Put(ctx, data); err != nil {
				return hashed{err: err}
			}
		}
		entry.Origin = ""
	}
	return hashed{entry: entry}
}

// diff 把扫描到的文件转换为变更，每个变更都打戳在它所替换
// 版本的上下文之上。被用户编辑过的冲突副本成为独立的文件；
// 被编辑或删除的冲突副本还会重新确认它的 origin，从而解决它
// 来源的冲突。origin 一旦变化，仍在磁盘上的副本会作为普通
// 文件保留。
func (sc *Scan) diff(known map[string]index.Entry, idx *index.Index) []core.Change {
	changes := make(map[string]core.Change)
	reassert := make(map[string]bool)
	write := func(kind core.OpKind, p string, e index.Entry) core.Change {
		return core.Change{Kind: kind, Path: p, Hash: e.Hash, Size: e.Size, Mode: e.Mode, Clock: idx.ContextOf(p)}
	}
	remove := func(p string) core.Change {
		return core.Change{Kind: core.OpDelete, Path: p, Clock: idx.ContextOf(p)}
	}

	for p, e := range sc.Seen {
		prev, ok := known[p]
		switch {
		case !ok:
			changes[p] = write(core.OpInsert, p, e)
		case prev.Hash != e.Hash:
			if prev.Origin != "" {
				changes[p] = write(core.OpInsert, p, e)
				reassert[prev.Origin] = true
			} else {
				changes[p] = write(core.OpUpdate, p, e)
			}
		}
	}

	for p, prev := range known {
		if _, ok := sc.Seen[p]; ok || sc.Skipped(p) {
			continue
		}
		if prev.Origin != "" {
			reassert[prev.Origin] = true
			continue
		}
		changes[p] = remove(p)
	}

	for origin := range reassert {
		if _, ok := changes[origin]; ok || sc.Skipped(origin) {
			continue
		}
		if e, ok := sc.Seen[origin]; ok {
			changes[origin] = write(core.OpUpdate, origin, e)
		} else {
			changes[origin] = remove(origin)
		}
	}

	for p, prev := range known {
		if prev.Origin == "" {
			continue
		}
		if _, settled := changes[prev.Origin]; !settled {
			continue
		}
		if _, ok := changes[p]; ok {
			continue
		}
		if e, ok := sc.Seen[p]; ok {
			changes[p] = write(core.OpInsert, p, e)
		}
	}

	out := make([]core.Change, 0, len(changes))
	for _, c := range changes {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b core.Change) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Apply 在 index 中记录一次已提交的扫描：ref 现在持有所有看到的
// 文件。不可读路径的 entry 保持不变。变化的文件保留其变更
// 打戳时的上下文，直到 Materialize 确认它。
func (sc *Scan) Apply(idx *index.Index) {
	stamped := make(map[string]core.Change, len(sc.Changeset.Changes))
	for _, c := range sc.Changeset.Changes {
		stamped[c.Path] = c
	}

	for p := range idx.Snapshot() {
		if _, ok := sc.Seen[p]; !ok && !sc.Skipped(p) {
			idx.Remove(p)
		}
	}
	for p, e := range sc.Seen {
		if c, ok := stamped[p]; ok {
			e.Clock = sc.Changeset.ContextOf(c).Copy()
		}
		idx.Set(p, e)
	}
}
