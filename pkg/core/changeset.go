package core

import (
	"converge/pkg/clock"
	"converge/pkg/types"
)

// Change 是目录扫描发现的一处本地修改，尚未被盖章成 Operation
type Change struct {
	Kind OpKind     `json:"kind"`
	Path string     `json:"path"`
	Hash types.Hash `json:"hash,omitempty"`
	Size int64      `json:"size,omitempty"`
	Mode uint32     `json:"mode,omitempty"`
	// Clock 是被替换版本的因果上下文；nil 表示使用
	// Changeset 的 Base。
	Clock clock.VectorClock `json:"clock,omitempty"`
}

// ContextOf 返回给该修改盖章时使用的时钟
func (c *Changeset) ContextOf(ch Change) clock.VectorClock {
	if ch.Clock != nil {
		return ch.Clock
	}
	return c.Base
}

// Changeset 是目录与其上次同步的快照的比较结果。
// Base 是该快照的时钟：每个生成的操作默认都在这个因果上下文上盖章。
type Changeset struct {
	BaseSnapshot types.Hash
	Base         clock.VectorClock
	Changes      []Change
}

func (c *Changeset) IsEmpty() bool { return len(c.Changes) == 0 }
