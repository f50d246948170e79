package core

import (
	"cmp"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"

	"converge/pkg/clock"
	"converge/pkg/types"
)

var ErrInvalidOperation = errors.New("invalid operation")

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// IsWrite 判断该操作是否会在路径上留下内容
func (k OpKind) IsWrite() bool { return k == OpInsert || k == OpUpdate }

// OpID 在所有副本间唯一标识一个操作。
// 先按计数器、再按 replica 全序排列。
type OpID struct {
	Counter uint64          `cbor:"n" json:"counter"`
	Replica types.ReplicaID `cbor:"r" json:"replica"`
}

func (a OpID) Compare(b OpID) int {
	if c := cmp.Compare(a.Counter, b.Counter); c != 0 {
		return c
	}
	return cmp.Compare(a.Replica, b.Replica)
}

func (a OpID) String() string {
	return strconv.FormatUint(a.Counter, 10) + "@" + a.Replica.String()
}

// Operation 是 ref 日志中的一条记录：对单个文件的写入或删除，
// 带有产生它的 replica 当时的因果上下文。
// Clock 总是包含该操作自身的 tick。
type Operation struct {
	ID    OpID              `cbor:"i" json:"id"`
	Kind  OpKind            `cbor:"k" json:"kind"`
	Path  string            `cbor:"p" json:"path"`
	Hash  types.Hash        `cbor:"h,omitempty" json:"hash,omitempty"`
	Size  int64             `cbor:"s,omitempty" json:"size,omitempty"`
	Mode  uint32            `cbor:"m,omitempty" json:"mode,omitempty"`
	Clock clock.VectorClock `cbor:"c" json:"clock"`
}

// SamePayload 判断两个 id 相同的操作是否是同一个操作。
// 不一致说明日志已损坏。
func (o Operation) SamePayload(other Operation) bool {
	return o.ID == other.ID &&
		o.Kind == other.Kind &&
		o.Path == other.Path &&
		o.Hash == other.Hash &&
		o.Size == other.Size &&
		o.Mode == other.Mode &&
		o.Clock.Equal(other.Clock)
}

func (o Operation) Validate() error {
	if o.ID.Counter == 0 {
		return fmt.Errorf("%w: %s has zero counter", ErrInvalidOperation, o.ID)
	}
	if o.Clock.Get(o.ID.Replica) != o.ID.Counter {
		return fmt.Errorf("%w: %s clock %s does not carry its own tick", ErrInvalidOperation, o.ID, o.Clock)
	}
	switch o.Kind {
	case OpInsert, OpUpdate:
		if !o.Hash.IsValid() {
			return fmt.Errorf("%w: %s writes invalid hash %q", ErrInvalidOperation, o.ID, o.Hash)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidOperation, o.ID, o.Kind)
	}
	if err := ValidatePath(o.Path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOperation, o.ID, err)
	}
	return nil
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s %s", o.ID, o.Kind, o.Path)
}

// ValidatePath 只接受干净的、相对的、以斜杠分隔的路径
func ValidatePath(p string) error {
	switch {
	case p == "" || p == ".":
		return fmt.Errorf("empty path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("absolute path %q", p)
	case strings.ContainsRune(p, '\x00') || strings.ContainsRune(p, '\\'):
		return fmt.Errorf("illegal character in path %q", p)
	case path.Clean(p) != p:
		return fmt.Errorf("path %q is not clean", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("path %q escapes the root", p)
	}
	return nil
}

// SortOperations 按 id 原地排序
func SortOperations(ops []Operation) {
	slices.SortFunc(ops, func(a, b Operation) int { return a.ID.Compare(b.ID) })
}
