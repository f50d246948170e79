package refs

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"converge/pkg/clock"
	"converge/pkg/content"
	"converge/pkg/core"
	"converge/pkg/journal"
	"converge/pkg/journal/kv"
	"converge/pkg/merge"
	"converge/pkg/storage/memory"
	"converge/pkg/types"

	"github.com/stretchr/testify/require"
)

func newJournal(t *testing.T) journal.Journal {
	t.Helper()
	j, err := kv.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// newRegistry 在 j 之上创建 registry。共享同一个 journal 的 registry
// 就像同步同一个 ref 的不同进程。
func newRegistry(t *testing.T, j journal.Journal) *Registry {
	t.Helper()
	store := content.NewStore(memory.NewAdapter())
	engine := merge.NewEngine(merge.Config{Policy: merge.ModifyWins})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(j, store, engine, nil, logger)
}

func mustCreate(t *testing.T, g *Registry, name types.RefName) *ConvergentRef {
	t.Helper()
	r, err := g.Create(context.Background(), name, 1)
	require.NoError(t, err)
	return r
}

func hashOf(s string) types.Hash { return core.CalculateBlobHash([]byte(s)) }

func write(path, data string) core.Change {
	return core.Change{Kind: core.OpInsert, Path: path, Hash: hashOf(data), Size: int64(len(data)), Mode: 0o644}
}

func remove(path string) core.Change {
	return core.Change{Kind: core.OpDelete, Path: path}
}

func changeset(base clock.VectorClock, changes ...core.Change) core.Changeset {
	return core.Changeset{Base: base, Changes: changes}
}

func mustPropose(t *testing.T, r *ConvergentRef, replica types.ReplicaID, cs core.Changeset) *Outcome {
	t.Helper()
	out, err := r.ProposeChange(context.Background(), cs, replica)
	require.NoError(t, err)
	return out
}

// failingJournal 拒绝所有提交
type failingJournal struct {
	journal.Journal
	err error
}

func (f *failingJournal) Commit(context.Context, types.RefName, []core.Operation, journal.Head, int64) error {
	return f.err
}
