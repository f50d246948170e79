// Package clock 实现向量时钟，用于在 convergent ref 的各个副本之间
// 给操作定序。
package clock

import (
	"fmt"
	"slices"
	"strings"

	"converge/pkg/types"
)

// Ordering 表示两个时钟之间的因果关系
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VectorClock 记录每个 replica 已观察到的最大计数器。
// 缺失的 replica 视为 0；不会存储 0 值条目。
type VectorClock map[types.ReplicaID]uint64

func New() VectorClock { return VectorClock{} }

func (v VectorClock) Get(r types.ReplicaID) uint64 { return v[r] }

// Copy 返回一个独立的副本。nil 时钟复制为空时钟。
func (v VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(v))
	for r, c := range v {
		if c > 0 {
			out[r] = c
		}
	}
	return out
}

// Next 为 replica r 生成一个新事件。计数器是 Lamport 风格的：
// 比时钟中最大的计数器大 1，因此 op id 的顺序与因果顺序一致。
// 返回新的时钟和该事件的计数器。
func (v VectorClock) Next(r types.ReplicaID) (VectorClock, uint64) {
	c := v.Max() + 1
	out := v.Copy()
	out[r] = c
	return out, c
}

// Max 返回时钟中最大的计数器
func (v VectorClock) Max() uint64 {
	var m uint64
	for _, c := range v {
		m = max(m, c)
	}
	return m
}

// With 返回一个副本，其中 replica 的计数器被设为 c (0 表示删除)
func (v VectorClock) With(r types.ReplicaID, c uint64) VectorClock {
	out := v.Copy()
	if c == 0 {
		delete(out, r)
	} else {
		out[r] = c
	}
	return out
}

// Merge 返回两个时钟逐项取最大值的结果 (最小上界)
func (v VectorClock) Merge(o VectorClock) VectorClock {
	out := v.Copy()
	for r, c := range o {
		if c > out[r] {
			out[r] = c
		}
	}
	return out
}

// Compare 判断 v 相对于 o 的顺序
func (v VectorClock) Compare(o VectorClock) Ordering {
	less, greater := false, false
	for r, c := range v {
		oc := o[r]
		if c < oc {
			less = true
		} else if c > oc {
			greater = true
		}
	}
	for r, oc := range o {
		if _, ok := v[r]; ok {
			continue
		}
		if oc > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Covers 判断 o 中的每个事件是否都已包含在 v 中 (o <= v)
func (v VectorClock) Covers(o VectorClock) bool {
	for r, c := range o {
		if v[r] < c {
			return false
		}
	}
	return true
}

func (v VectorClock) Equal(o VectorClock) bool { return v.Compare(o) == Equal }

// Sum 是时钟观察到的事件总数
func (v VectorClock) Sum() uint64 {
	var s uint64
	for _, c := range v {
		s += c
	}
	return s
}

// Replicas 按升序返回计数器非零的 replica
func (v VectorClock) Replicas() []types.ReplicaID {
	out := make([]types.ReplicaID, 0, len(v))
	for r, c := range v {
		if c > 0 {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}

// String 以确定的顺序渲染时钟，例如 "{1:3, 7:1}"
func (v VectorClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, r := range v.Replicas() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d:%d", r, v[r])
	}
	b.WriteByte('}')
	return b.String()
}
