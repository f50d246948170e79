package merge

import (
	"testing"

	"converge/pkg/clock"
	"converge/pkg/core"
	"converge/pkg/types"

	"github.com/stretchr/testify/require"
)

// replica 模拟一个写入者：用自己的时钟给 op 打戳，
// 并通过 observe 学到其他 op。
type replica struct {
	id types.ReplicaID
	vc clock.VectorClock
}

func newReplica(id types.ReplicaID) *replica {
	return &replica{id: id, vc: clock.New()}
}

func (r *replica) stamp(kind core.OpKind, path, content string) core.Operation {
	var counter uint64
	r.vc, counter = r.vc.Next(r.id)
	op := core.Operation{
		ID:    core.OpID{Counter: counter, Replica: r.id},
		Kind:  kind,
		Path:  path,
		Clock: r.vc.Copy(),
	}
	if kind.IsWrite() {
		op.Hash = hashOf(content)
		op.Size = int64(len(content))
		op.Mode = 0o644
	}
	return op
}

func (r *replica) write(path, content string) core.Operation {
	return r.stamp(core.OpInsert, path, content)
}

func (r *replica) del(path string) core.Operation {
	return r.stamp(core.OpDelete, path, "")
}

func (r *replica) observe(ops ...core.Operation) {
	for _, op := range ops {
		r.vc = r.vc.Merge(op.Clock)
	}
}

func hashOf(content string) types.Hash {
	return core.CalculateBlobHash([]byte(content))
}

func mustApply(t *testing.T, e *Engine, base clock.VectorClock, ops []core.Operation) *Result {
	t.Helper()
	res, err := e.Apply(base, ops)
	require.NoError(t, err)
	return res
}

func ops(groups ...[]core.Operation) []core.Operation {
	var out []core.Operation
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
