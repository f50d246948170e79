// Package journaltest 定义每个 journal.Journal 都必须满足的行为
package journaltest

import (
	"context"
	"testing"

	"converge/pkg/clock"
	"converge/pkg/core"
	"converge/pkg/journal"
	"converge/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory 返回一个新的空 journal
type Factory func(t *testing.T) journal.Journal

func Run(t *testing.T, newJournal Factory) {
	t.Run("CreateGetList", func(t *testing.T) { testCreateGetList(t, newJournal(t)) })
	t.Run("CommitCAS", func(t *testing.T) { testCommitCAS(t, newJournal(t)) })
	t.Run("CommitIsIdempotentPerOp", func(t *testing.T) { testCommitIdempotent(t, newJournal(t)) })
	t.Run("LoadOpsOrderedAndIsolated", func(t *testing.T) { testLoadOps(t, newJournal(t)) })
}

func hash(s string) types.Hash { return core.CalculateBlobHash([]byte(s)) }

func op(counter uint64, replica types.ReplicaID, path string) core.Operation {
	return core.Operation{
		ID:    core.OpID{Counter: counter, Replica: replica},
		Kind:  core.OpInsert,
		Path:  path,
		Hash:  hash(path),
		Size:  int64(len(path)),
		Mode:  0o644,
		Clock: clock.VectorClock{replica: counter},
	}
}

func mustCreate(t *testing.T, j journal.Journal, name types.RefName) *journal.RefRecord {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, j.CreateRef(ctx, journal.RefRecord{
		Name:     name,
		ID:       uuid.NewString(),
		Creator:  42,
		Snapshot: hash("empty"),
		Clock:    clock.New(),
	}))
	rec, err := j.GetRef(ctx, name)
	require.NoError(t, err)
	return rec
}

func testCreateGetList(t *testing.T, j journal.Journal) {
	ctx := context.Background()

	_, err := j.GetRef(ctx, "missing")
	assert.ErrorIs(t, err, journal.ErrRefNotFound)

	rec := mustCreate(t, j, "photos")
	assert.Equal(t, types.RefName("photos"), rec.Name)
	assert.Equal(t, types.ReplicaID(42), rec.Creator)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, hash("empty"), rec.Snapshot)

	err = j.CreateRef(ctx, journal.RefRecord{Name: "photos", ID: uuid.NewString(), Snapshot: hash("x")})
	assert.ErrorIs(t, err, journal.ErrRefExists)

	mustCreate(t, j, "docs")
	refs, err := j.ListRefs(ctx)
	require.NoError(t, err)
	var names []types.RefName
	for _, r := range refs {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []types.RefName{"photos", "docs"}, names)
}

func testCommitCAS(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	rec := mustCreate(t, j, "main")

	head := journal.Head{Snapshot: hash("s1"), Previous: rec.Snapshot, Clock: clock.VectorClock{1: 1}}
	require.NoError(t, j.Commit(ctx, "main", []core.Operation{op(1, 1, "a")}, head, rec.Version))

	// 过期的 version 必须失败
	err := j.Commit(ctx, "main", []core.Operation{op(2, 1, "b")}, journal.Head{Snapshot: hash("s2")}, rec.Version)
	assert.ErrorIs(t, err, journal.ErrConcurrentUpdate)

	got, err := j.GetRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, hash("s1"), got.Snapshot)
	assert.Equal(t, hash("empty"), got.Previous)
	assert.Equal(t, clock.VectorClock{1: 1}, got.Clock)
	assert.Equal(t, rec.Version+1, got.Version)

	ops, err := j.LoadOps(ctx, "main")
	require.NoError(t, err)
	require.Len(t, ops, 1, "the failed commit must not leave ops behind")

	err = j.Commit(ctx, "nope", nil, head, 1)
	assert.ErrorIs(t, err, journal.ErrRefNotFound)
}

func testCommitIdempotent(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	rec := mustCreate(t, j, "main")

	a := op(1, 1, "a")
	require.NoError(t, j.Commit(ctx, "main", []core.Operation{a}, journal.Head{Snapshot: hash("s1"), Clock: a.Clock}, rec.Version))
	require.NoError(t, j.Commit(ctx, "main", []core.Operation{a, op(2, 1, "b")}, journal.Head{Snapshot: hash("s2"), Clock: clock.VectorClock{1: 2}}, rec.Version+1))

	ops, err := j.LoadOps(ctx, "main")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.True(t, a.SamePayload(ops[0]))
}

func testLoadOps(t *testing.T, j journal.Journal) {
	ctx := context.Background()
	main := mustCreate(t, j, "main")
	other := mustCreate(t, j, "other")

	batch := []core.Operation{op(3, 1, "c"), op(1, 9, "a"), op(3, 0, "b"), op(2, 5, "d")}
	require.NoError(t, j.Commit(ctx, "main", batch, journal.Head{Snapshot: hash("s")}, main.Version))
	require.NoError(t, j.Commit(ctx, "other", []core.Operation{op(1, 1, "x")}, journal.Head{Snapshot: hash("o")}, other.Version))

	ops, err := j.LoadOps(ctx, "main")
	require.NoError(t, err)

	var ids []core.OpID
	for _, o := range ops {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []core.OpID{{Counter: 1, Replica: 9}, {Counter: 2, Replica: 5}, {Counter: 3, Replica: 0}, {Counter: 3, Replica: 1}}, ids)
	assert.Equal(t, clock.VectorClock{9: 1}, ops[0].Clock)

	_, err = j.LoadOps(ctx, "missing")
	assert.ErrorIs(t, err, journal.ErrRefNotFound)
}
