package core

import (
	"fmt"

	"converge/pkg/clock"
	"converge/pkg/types"
)

// Snapshot 是一个不可变的收敛状态：根目录树，加上汇总了
// 所有已合并操作的向量时钟。它的哈希就是同步返回给调用方的句柄。
type Snapshot struct {
	hash     types.Hash `cbor:"-"`
	rawBytes []byte     `cbor:"-"`

	TypeVal ObjectType        `cbor:"t"`
	Root    Link              `cbor:"r"`
	Clock   clock.VectorClock `cbor:"c"`
	Files   int               `cbor:"f"`
}

func NewSnapshot(root types.Hash, vc clock.VectorClock, files int) (*Snapshot, error) {
	s := &Snapshot{
		TypeVal: TypeSnapshot,
		Root:    NewLink(root),
		Clock:   vc.Copy(),
		Files:   files,
	}

	h, b, err := CalculateHash(s)
	if err != nil {
		return nil, err
	}
	s.hash = h
	s.rawBytes = b
	return s, nil
}

// EmptySnapshot 是从未见过任何操作的 ref 的状态
func EmptySnapshot() (*Snapshot, *Tree, error) {
	root, err := NewTree(nil)
	if err != nil {
		return nil, nil, err
	}
	snap, err := NewSnapshot(root.ID(), clock.New(), 0)
	if err != nil {
		return nil, nil, err
	}
	return snap, root, nil
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := DecodeObject(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	if s.TypeVal != TypeSnapshot {
		return nil, fmt.Errorf("%w: expected snapshot, got %q", ErrMalformedObject, s.TypeVal)
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	s.hash = CalculateBlobHash(data)
	s.rawBytes = data
	return &s, nil
}

func (s *Snapshot) Type() ObjectType { return TypeSnapshot }
func (s *Snapshot) ID() types.Hash   { return s.hash }
func (s *Snapshot) Bytes() []byte    { return s.rawBytes }
