package dirsync

import (
	"context"
	"errors"
	"os"
	"testing"

	"converge/pkg/core"
	"converge/pkg/index"
	"converge/pkg/merge"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSync_EmptyDirectory(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "empty")
	dir := memfs.New()

	res := mustSync(t, e.syncer(1), ref, dir)
	assert.Equal(t, 0, res.Snapshot.Files)
	assert.Equal(t, ref.CurrentSnapshot().ID(), res.Snapshot.ID())
	assert.Zero(t, res.Changes)
	assert.Empty(t, res.Warnings)

	idx, err := index.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.ID(), idx.Base)
	assert.EqualValues(t, "empty", idx.Ref)
}

func TestSync_RoundTrip(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "photos")
	files := map[string]string{
		"a.txt":             "alpha",
		"dir/b.txt":         "bravo",
		"dir/deep/c.bin":    "charlie",
		".convergeignore":   "*.tmp\n",
		"scratch.tmp":       "ignored",
		"dir/deep/more.txt": "",
	}

	left := memfs.New()
	writeFiles(t, left, files)
	res := mustSync(t, e.syncer(1), ref, left)
	assert.Equal(t, 5, res.Changes)
	assert.Equal(t, 5, res.Snapshot.Files)

	right := memfs.New()
	mustSync(t, e.syncer(2), ref, right)

	want := map[string]string{}
	for p, data := range files {
		if p != "scratch.tmp" {
			want[p] = data
		}
	}
	assert.Equal(t, want, listFiles(t, right))

	// 重新扫描物化后的副本，找不到编辑。
	again := mustSync(t, e.syncer(2), ref, right)
	assert.Zero(t, again.Changes)
	assert.Zero(t, again.Written)
	assert.Equal(t, res.Snapshot.ID(), again.Snapshot.ID())
}

func TestSync_Idempotent(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "docs")
	dir := memfs.New()
	writeFiles(t, dir, map[string]string{"a": "1", "b/c": "2"})

	first := mustSync(t, e.syncer(1), ref, dir)
	second := mustSync(t, e.syncer(1), ref, dir)

	assert.Equal(t, first.Snapshot.ID(), second.Snapshot.ID())
	assert.Zero(t, second.Changes)
	assert.Zero(t, second.Written)
	assert.Zero(t, second.Deleted)
}

func TestSync_DeletePropagatesAndPrunes(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "shared")
	left, right := memfs.New(), memfs.New()
	writeFiles(t, left, map[string]string{"keep.txt": "k", "old/gone.txt": "g"})

	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)
	assertFile(t, right, "old/gone.txt", "g")

	require.NoError(t, left.Remove("old/gone.txt"))
	res := mustSync(t, e.syncer(1), ref, left)
	assert.Equal(t, 1, res.Changes)

	res = mustSync(t, e.syncer(2), ref, right)
	assert.Equal(t, 1, res.Deleted)
	assertMissing(t, right, "old/gone.txt")
	assertMissing(t, right, "old")
	assertFile(t, right, "keep.txt", "k")
}

func TestSync_ConcurrentEditsKeepBoth(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "shared")
	left, right := memfs.New(), memfs.New()
	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)

	writeFiles(t, left, map[string]string{"a.txt": "from left"})
	writeFiles(t, right, map[string]string{"a.txt": "from right"})

	first := mustSync(t, e.syncer(1), ref, left)
	assert.Empty(t, first.Conflicts)

	// 两个 op 的 counter 都是 1；replica 2 胜出并保留原名。
	second := mustSync(t, e.syncer(2), ref, right)
	require.Len(t, second.Conflicts, 1)
	c := second.Conflicts[0]
	assert.Equal(t, merge.ModifyModify, c.Kind)
	assert.Equal(t, []string{"a.conflict-1.txt"}, c.Siblings)
	assertFile(t, right, "a.txt", "from right")
	assertFile(t, right, "a.conflict-1.txt", "from left")

	// 左边收敛到相同的布局；它自己的版本 (ref 已持有)
	// 被覆盖。
	mustSync(t, e.syncer(1), ref, left)
	assert.Equal(t, listFiles(t, right), listFiles(t, left))

	// 删除冲突副本会在所有地方解决冲突。
	require.NoError(t, left.Remove("a.conflict-1.txt"))
	settled := mustSync(t, e.syncer(1), ref, left)
	assert.Empty(t, settled.Conflicts)
	assert.NotContains(t, ref.Files(), "a.conflict-1.txt")

	mustSync(t, e.syncer(2), ref, right)
	assertMissing(t, right, "a.conflict-1.txt")
	assertFile(t, right, "a.txt", "from right")
}

func TestSync_EditedSiblingBecomesAFile(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "shared")
	left, right := memfs.New(), memfs.New()
	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)

	writeFiles(t, left, map[string]string{"notes.md": "L"})
	writeFiles(t, right, map[string]string{"notes.md": "R"})
	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)

	writeFiles(t, right, map[string]string{"notes.conflict-1.md": "L, merged by hand"})
	mustSync(t, e.syncer(2), ref, right)

	files := ref.Files()
	assert.Len(t, files, 2)
	assert.Empty(t, files["notes.conflict-1.md"].Origin, "the edited sibling is a plain file now")
	assert.Equal(t, core.CalculateBlobHash([]byte("R")), files["notes.md"].Hash.Hash)

	mustSync(t, e.syncer(1), ref, left)
	assertFile(t, left, "notes.conflict-1.md", "L, merged by hand")
	assertFile(t, left, "notes.md", "R")
}

func TestSync_FileDirClash(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "clash")
	left, right := memfs.New(), memfs.New()
	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)

	writeFiles(t, left, map[string]string{"x": "a file"})
	writeFiles(t, right, map[string]string{"x/y": "a file in a dir"})
	mustSync(t, e.syncer(1), ref, left)
	res := mustSync(t, e.syncer(2), ref, right)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, merge.FileDir, res.Conflicts[0].Kind)

	mustSync(t, e.syncer(1), ref, left)
	want := map[string]string{"x/y": "a file in a dir", "x.conflict-1": "a file"}
	assert.Equal(t, want, listFiles(t, left))
	assert.Equal(t, want, listFiles(t, right))
}

func TestSync_UnreadableFileIsSkipped(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "partial")
	base := memfs.New()
	writeFiles(t, base, map[string]string{"a.txt": "a", "b.txt": "b", "secret.txt": "s"})
	mustSync(t, e.syncer(1), ref, base)

	writeFiles(t, base, map[string]string{"a.txt": "a2", "new.txt": "n"})
	dir := deny(base, "secret.txt")
	res := mustSync(t, e.syncer(1), ref, dir)

	require.NotEmpty(t, res.Warnings)
	for _, w := range res.Warnings {
		assert.Equal(t, "secret.txt", w.Path)
		assert.ErrorIs(t, w, os.ErrPermission)
	}

	files := ref.Files()
	assert.Contains(t, files, "secret.txt", "an unreadable file is not a delete")
	assert.Contains(t, files, "new.txt")
	assert.Equal(t, core.CalculateBlobHash([]byte("a2")), files["a.txt"].Hash.Hash)
}

func TestSync_UnreadableDirectoryIsSkipped(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "partial")
	base := memfs.New()
	writeFiles(t, base, map[string]string{"private/x": "x", "public/y": "y"})
	mustSync(t, e.syncer(1), ref, base)

	res := mustSync(t, e.syncer(1), ref, deny(base, "private"))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "private", res.Warnings[0].Path)
	assert.Zero(t, res.Changes)
	assert.Contains(t, ref.Files(), "private/x")
}

func TestSync_IndexBelongsToOneRef(t *testing.T) {
	e := newEnv(t)
	dir := memfs.New()
	mustSync(t, e.syncer(1), e.ref(t, "one"), dir)

	_, err := e.syncer(1).Sync(context.Background(), e.ref(t, "two"), dir)
	assert.ErrorIs(t, err, ErrIndexMismatch)
}

func TestSync_PerDirectoryReplica(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "auto")
	dir := memfs.New()
	writeFiles(t, dir, map[string]string{"a": "1"})

	s := New(e.store, Options{Logger: quiet})
	first := mustSync(t, s, ref, dir)
	assert.NotZero(t, first.Replica)

	writeFiles(t, dir, map[string]string{"a": "2"})
	second := mustSync(t, s, ref, dir)
	assert.Equal(t, first.Replica, second.Replica, "the replica id sticks to the directory")
}

func TestSync_Cancelled(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "cancel")
	dir := memfs.New()
	writeFiles(t, dir, map[string]string{"a": "1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.syncer(1).Sync(ctx, ref, dir)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Empty(t, ref.Operations())
}

func TestSync_OnDisk(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "disk")
	left := osfs.New(t.TempDir())
	right := osfs.New(t.TempDir())
	writeFiles(t, left, map[string]string{"a.txt": "1", "sub/b.txt": "2"})

	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)
	assert.Equal(t, listFiles(t, left), listFiles(t, right))

	// 大小和 mtime 没变：重新扫描不会打开任何同步文件。
	counting := &countingFS{Filesystem: right}
	res := mustSync(t, e.syncer(2), ref, counting)
	assert.Zero(t, res.Changes)
	assert.Zero(t, counting.opens.Load())
}

// twoReplicas 把 a.txt=hello 同步到 left 和 right，然后让 right 把它
// 改成 hello2。
func twoReplicas(t *testing.T) (e *env, left, right billy.Filesystem) {
	t.Helper()
	e = newEnv(t)
	ref := e.ref(t, "shared")
	left, right = memfs.New(), memfs.New()
	writeFiles(t, left, map[string]string{"a.txt": "hello"})
	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)

	writeFiles(t, right, map[string]string{"a.txt": "hello2"})
	mustSync(t, e.syncer(2), ref, right)
	return e, left, right
}

func TestSync_UnwrittenFileStaysConcurrent(t *testing.T) {
	e, left, right := twoReplicas(t)
	ref := e.ref(t, "shared")

	res := mustSync(t, e.syncer(1), ref, lock(left, "a.txt"))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "a.txt", res.Warnings[0].Path)
	assert.ErrorIs(t, res.Warnings[0], os.ErrPermission)
	assertFile(t, left, "a.txt", "hello")

	// 编辑基于 hello 而不是 hello2：两个版本都保留。
	writeFiles(t, left, map[string]string{"a.txt": "hello1"})
	res = mustSync(t, e.syncer(1), ref, left)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, merge.ModifyModify, res.Conflicts[0].Kind)

	mustSync(t, e.syncer(2), ref, right)
	want := map[string]string{"a.txt": "hello1", "a.conflict-1.txt": "hello2"}
	assert.Equal(t, want, listFiles(t, left))
	assert.Equal(t, want, listFiles(t, right))
}

func TestSync_EditDuringMaterializeStaysConcurrent(t *testing.T) {
	e, left, right := twoReplicas(t)
	ref := e.ref(t, "shared")

	editing := editingRef{ConvergentRef: ref, edit: func() {
		writeFiles(t, left, map[string]string{"a.txt": "hello-local-edit"})
	}}
	res := mustSync(t, e.syncer(1), editing, left)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], errModifiedLocally)
	assertFile(t, left, "a.txt", "hello-local-edit")

	res = mustSync(t, e.syncer(1), ref, left)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, merge.ModifyModify, res.Conflicts[0].Kind)

	mustSync(t, e.syncer(2), ref, right)
	want := map[string]string{"a.txt": "hello-local-edit", "a.conflict-1.txt": "hello2"}
	assert.Equal(t, want, listFiles(t, left))
	assert.Equal(t, want, listFiles(t, right))
}

func TestSync_DeletedWinnerKeepsSibling(t *testing.T) {
	e := newEnv(t)
	ref := e.ref(t, "shared")
	left, right := memfs.New(), memfs.New()
	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)

	writeFiles(t, left, map[string]string{"a.txt": "L"})
	writeFiles(t, right, map[string]string{"a.txt": "R"})
	mustSync(t, e.syncer(1), ref, left)
	mustSync(t, e.syncer(2), ref, right)
	assert.Equal(t, map[string]string{"a.txt": "R", "a.conflict-1.txt": "L"}, listFiles(t, right))

	require.NoError(t, right.Remove("a.txt"))
	res := mustSync(t, e.syncer(2), ref, right)
	assert.Empty(t, res.Conflicts)
	assert.Zero(t, res.Deleted)

	want := map[string]string{"a.conflict-1.txt": "L"}
	assert.Equal(t, want, listFiles(t, right))
	assert.Empty(t, ref.Files()["a.conflict-1.txt"].Origin, "the kept copy is a plain file now")

	mustSync(t, e.syncer(1), ref, left)
	assert.Equal(t, want, listFiles(t, left))
}
