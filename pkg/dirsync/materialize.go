package dirsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"slices"
	"strings"

	"converge/pkg/clock"
	"converge/pkg/core"
	"converge/pkg/index"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sourcegraph/conc/pool"
)

// fetchBatch 限制同时保存在内存中的 blob 数量
const fetchBatch = 64

var (
	errModifiedLocally = errors.New("modified locally since the last scan, kept")
	errInTheWay        = errors.New("a directory or special file is in the way")
)

// Report 汇总 Materialize 在磁盘上做的修改
type Report struct {
	Written  int
	Deleted  int
	Warnings []Warning
}

type diskState int

const (
	stateMissing diskState = iota
	stateMatches
	stateModified
)

type fetched struct {
	path string
	data []byte
	err  error
}

// Materialize 让目录持有 files，即时钟 vc 下的收敛树。
// 它只删除 index 知道的文件，也只覆盖内容已在 ref 中的
// 文件；挡在路上的其他文件会被报告并保留。被更新到最新的
// 路径以 vc 作为上下文；其余路径保留原有的上下文，所以之后
// 在那里的编辑仍与它没看到的版本并发。用相同的 files
// 运行两次，第二次不会有任何改动。
func (s *Syncer) Materialize(ctx context.Context, fsys billy.Filesystem, idx *index.Index, files map[string]core.TreeEntry, vc clock.VectorClock) (*Report, error) {
	if err := checkWritable(fsys); err != nil {
		return nil, err
	}

	rep := &Report{}
	known := idx.Snapshot()
	for p := range idx.HeldClocks() {
		if _, ok := files[p]; !ok {
			idx.Release(p)
		}
	}

	// 1. 删除
	var removed []string
	for _, p := range slices.Sorted(maps.Keys(known)) {
		if _, keep := files[p]; keep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		st, err := s.state(fsys, p, known[p])
		switch {
		case err != nil:
			rep.Warnings = s.warn(rep.Warnings, Warning{Path: p, Op: "read", Err: err})
			pin(idx, p)
		case st == stateMissing:
			idx.Remove(p)
		case st == stateModified:
			rep.Warnings = s.warn(rep.Warnings, Warning{Path: p, Op: "delete", Err: errModifiedLocally})
			pin(idx, p)
		default:
			if err := retryOnce(func() error { return fsys.Remove(p) }); err != nil {
				rep.Warnings = s.warn(rep.Warnings, Warning{Path: p, Op: "delete", Err: err})
				pin(idx, p)
				continue
			}
			idx.Remove(p)
			removed = append(removed, p)
			rep.Deleted++
		}
	}

	// 2. 清理因删除而变空的目录
	s.prune(fsys, removed, rep)

	// 3. 规划写入
	var todo []string
	for _, p := range slices.Sorted(maps.Keys(files)) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		want := files[p]
		prev, tracked := known[p]

		fi, err := fsys.Lstat(p)
		switch {
		case isNotExist(err):
			todo = append(todo, p)
			continue
		case err != nil:
			rep.Warnings = s.warn(rep.Warnings, Warning{Path: p, Op: "read", Err: err})
			pin(idx, p)
			continue
		case !fi.Mode().IsRegular():
			rep.Warnings = s.warn(rep.Warnings, Warning{Path: p, Op: "write", Err: errInTheWay})
			pin(idx, p)
			continue
		case tracked && prev.Hash == want.Hash.Hash && prev.Unchanged(fi.Size(), fi.ModTime()):
			prev.Origin = want.Origin
			prev.Clock = vc.Copy()
			idx.Set(p, prev)
			continue
		}

		data, err := util.ReadFile(fsys, p)
		if err != nil {
			rep.Warnings = s.warn(rep.Warnings, Warning{Path: p, Op: "read", Err: err})
			pin(idx, p)
			continue
		}
		h := core.CalculateBlobHash(data)
		switch {
		case h == want.Hash.Hash:
			idx.Set(p, entryFor(want, fi, vc))
		case !tracked || h != prev.Hash:
			rep.Warnings = s.warn(rep.Warnings, Warning{Path: p, Op: "write", Err: errModifiedLocally})
			pin(idx, p)
		default:
			todo = append(todo, p)
		}
	}

	// 4. 并行获取 blob，逐个写入文件
	for batch := range slices.Chunk(todo, fetchBatch) {
		fp := pool.NewWithResults[fetched]().WithContext(ctx).WithMaxGoroutines(s.workers)
		for _, p := range batch {
			fp.Go(func(ctx context.Context) (fetched, error) {
				data, err := s.content.Get(ctx, files[p].Hash.Hash)
				return fetched{path: p, data: data, err: err}, nil
			})
		}
		results, err := fp.Wait()
		if err != nil {
			return rep, err
		}

		for _, f := range results {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if f.err != nil {
				rep.Warnings = s.warn(rep.Warnings, Warning{Path: f.path, Op: "fetch", Err: f.err})
				pin(idx, f.path)
				continue
			}
			want := files[f.path]
			err := retryOnce(func() error { return writeFile(fsys, f.path, f.data, want.Mode) })
			if err != nil {
				rep.Warnings = s.warn(rep.Warnings, Warning{Path: f.path, Op: "write", Err: err})
				pin(idx, f.path)
				continue
			}
			fi, err := fsys.Stat(f.path)
			if err != nil {
				rep.Warnings = s.warn(rep.Warnings, Warning{Path: f.path, Op: "write", Err: err})
				pin(idx, f.path)
				continue
			}
			idx.Set(f.path, entryFor(want, fi, vc))
			rep.Written++
		}
	}

	s.metrics.RecordMaterialize(rep.Written, rep.Deleted)
	return rep, nil
}

// state 比较磁盘上的文件和它的 index entry
func (s *Syncer) state(fsys billy.Filesystem, p string, prev index.Entry) (diskState, error) {
	fi, err := fsys.Lstat(p)
	if isNotExist(err) {
		return stateMissing, nil
	}
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return stateModified, nil
	}
	if prev.Unchanged(fi.Size(), fi.ModTime()) {
		return stateMatches, nil
	}

	data, err := util.ReadFile(fsys, p)
	if err != nil {
		return 0, err
	}
	if core.CalculateBlobHash(data) == prev.Hash {
		return stateMatches, nil
	}
	return stateModified, nil
}

// prune 删除因删除操作而变空的目录，最深的优先
func (s *Syncer) prune(fsys billy.Filesystem, removed []string, rep *Report) {
	dirs := make(map[string]bool)
	for _, p := range removed {
		for _, d := range parentDirs(p) {
			dirs[d] = true
		}
	}

	ordered := slices.Collect(maps.Keys(dirs))
	slices.SortFunc(ordered, func(a, b string) int {
		if c := cmp.Compare(strings.Count(b, "/"), strings.Count(a, "/")); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})

	for _, d := range ordered {
		infos, err := fsys.ReadDir(d)
		if err != nil || len(infos) > 0 {
			continue
		}
		if err := fsys.Remove(d); err != nil {
			rep.Warnings = s.warn(rep.Warnings, Warning{Path: d, Op: "prune", Err: err})
		}
	}
}

func checkWritable(fsys billy.Filesystem) error {
	if err := fsys.MkdirAll(index.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	f, err := fsys.TempFile(index.Dir, "probe-")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	name := f.Name()
	_ = f.Close()
	return fsys.Remove(name)
}

func writeFile(fsys billy.Filesystem, p string, data []byte, mode uint32) error {
	perm := os.FileMode(mode).Perm()
	if perm == 0 {
		perm = 0o644
	}
	if dir := path.Dir(p); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := fsys.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func retryOnce(fn func() error) error {
	if err := fn(); err != nil {
		return fn()
	}
	return nil
}

func entryFor(e core.TreeEntry, fi os.FileInfo, vc clock.VectorClock) index.Entry {
	return index.Entry{
		Hash:    e.Hash.Hash,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Mode:    e.Mode,
		Origin:  e.Origin,
		Clock:   vc.Copy(),
	}
}

// pin 把落后的路径的上下文固定在当前 base，
// Sync 即将越过这个 base。
func pin(idx *index.Index, p string) {
	e, tracked := idx.Get(p)
	switch {
	case !tracked:
		idx.Hold(p, idx.BaseClock())
	case e.Clock == nil:
		e.Clock = idx.BaseClock()
		idx.Set(p, e)
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parentDirs(p string) []string {
	var out []string
	for d := path.Dir(p); d != "." && d != "/"; d = path.Dir(d) {
		out = append(out, d)
	}
	return out
}
