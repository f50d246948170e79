package dirsync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"converge/pkg/content"
	"converge/pkg/core"
	"converge/pkg/journal/kv"
	"converge/pkg/merge"
	"converge/pkg/refs"
	"converge/pkg/storage/memory"
	"converge/pkg/types"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// env 是一套共享的 store 和 journal：通过它同步的每个目录
// 都访问同一批 ref。
type env struct {
	store    *content.Store
	registry *refs.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	j, err := kv.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	store := content.NewStore(memory.NewAdapter())
	engine := merge.NewEngine(merge.Config{Policy: merge.ModifyWins})
	return &env{store: store, registry: refs.NewRegistry(j, store, engine, nil, quiet)}
}

func (e *env) ref(t *testing.T, name types.RefName) *refs.ConvergentRef {
	t.Helper()
	ctx := context.Background()
	r, err := e.registry.Open(ctx, name)
	if err == nil {
		return r
	}
	require.ErrorIs(t, err, refs.ErrRefNotFound)
	r, err = e.registry.Create(ctx, name, 1)
	require.NoError(t, err)
	return r
}

// syncer 用固定的 replica 给本地编辑打戳，这样冲突的胜者
// 是可预测的。
func (e *env) syncer(replica types.ReplicaID) *Syncer {
	return New(e.store, Options{Workers: 4, Replica: &replica, Logger: quiet})
}

func mustSync(t *testing.T, s *Syncer, ref Proposer, fsys billy.Filesystem) *Result {
	t.Helper()
	res, err := s.Sync(context.Background(), ref, fsys)
	require.NoError(t, err)
	return res
}

func writeFiles(t *testing.T, fsys billy.Filesystem, files map[string]string) {
	t.Helper()
	for p, data := range files {
		require.NoError(t, util.WriteFile(fsys, p, []byte(data), 0o644))
	}
}

func assertFile(t *testing.T, fsys billy.Filesystem, p, want string) {
	t.Helper()
	data, err := util.ReadFile(fsys, p)
	require.NoError(t, err, p)
	assert.Equal(t, want, string(data), p)
}

func assertMissing(t *testing.T, fsys billy.Filesystem, p string) {
	t.Helper()
	_, err := fsys.Lstat(p)
	assert.True(t, isNotExist(err), "%s should not exist", p)
}

// listFiles 返回目录中同步的文件，跳过元数据
func listFiles(t *testing.T, fsys billy.Filesystem) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := util.Walk(fsys, "", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == ".converge" {
			return filepath.SkipDir
		}
		if info.Mode().IsRegular() {
			data, err := util.ReadFile(fsys, p)
			if err != nil {
				return err
			}
			out[p] = string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

// deniedFS 对选定路径的读取返回权限错误，就像
// 没有读权限的文件一样。
type deniedFS struct {
	billy.Filesystem
	deny    map[string]bool
	noWrite bool
}

func deny(fsys billy.Filesystem, paths ...string) *deniedFS {
	d := &deniedFS{Filesystem: fsys, deny: make(map[string]bool)}
	for _, p := range paths {
		d.deny[path.Clean(p)] = true
	}
	return d
}

func (d *deniedFS) denied(name string) error {
	if d.deny[path.Clean(strings.TrimPrefix(name, "/"))] {
		return &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return nil
}

func (d *deniedFS) Open(name string) (billy.File, error) {
	if err := d.denied(name); err != nil {
		return nil, err
	}
	return d.Filesystem.Open(name)
}

func (d *deniedFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if err := d.denied(name); err != nil {
		return nil, err
	}
	if d.noWrite && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return d.Filesystem.OpenFile(name, flag, perm)
}

func (d *deniedFS) ReadDir(name string) ([]os.FileInfo, error) {
	if err := d.denied(name); err != nil {
		return nil, err
	}
	return d.Filesystem.ReadDir(name)
}

func (d *deniedFS) TempFile(dir, prefix string) (billy.File, error) {
	if d.noWrite {
		return nil, &os.PathError{Op: "open", Path: dir, Err: os.ErrPermission}
	}
	return d.Filesystem.TempFile(dir, prefix)
}

// countingFS 统计同步文件被打开的次数
type countingFS struct {
	billy.Filesystem
	opens atomic.Int64
}

func (c *countingFS) Open(name string) (billy.File, error) {
	if !strings.HasPrefix(name, ".converge") {
		c.opens.Add(1)
	}
	return c.Filesystem.Open(name)
}

// lockedFS 拒绝写入选定的文件；读取仍然可以。
type lockedFS struct {
	billy.Filesystem
	locked map[string]bool
}

func lock(fsys billy.Filesystem, paths ...string) *lockedFS {
	l := &lockedFS{Filesystem: fsys, locked: make(map[string]bool)}
	for _, p := range paths {
		l.locked[path.Clean(p)] = true
	}
	return l
}

func (l *lockedFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if l.locked[path.Clean(strings.TrimPrefix(name, "/"))] && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return l.Filesystem.OpenFile(name, flag, perm)
}

// editingRef 在每次提交之后、收敛树写回之前运行 edit：
// 相当于用户在同步过程中保存了文件。
type editingRef struct {
	*refs.ConvergentRef
	edit func()
}

func (r editingRef) ProposeChange(ctx context.Context, cs core.Changeset, replica types.ReplicaID) (*refs.Outcome, error) {
	out, err := r.ConvergentRef.ProposeChange(ctx, cs, replica)
	r.edit()
	return out, err
}
