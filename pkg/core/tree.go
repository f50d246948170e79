package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"converge/pkg/clock"
	"converge/pkg/types"
)

var ErrMalformedObject = errors.New("malformed object")

type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// TreeEntry 是目录中的一个子项。文件指向 blob，目录指向另一棵树。
// Clock 记录最后一个写入者的因果上下文。
type TreeEntry struct {
	Name  string            `cbor:"n"`
	Type  EntryType         `cbor:"t"`
	Hash  Link              `cbor:"h"`
	Size  int64             `cbor:"s"`
	Mode  uint32            `cbor:"m,omitempty"`
	Clock clock.VectorClock `cbor:"c,omitempty"`

	// Origin 只在解决冲突时生成的条目上设置：
	// 表示这份副本是从哪个路径拆分出来的。
	Origin string `cbor:"o,omitempty"`
}

func (e TreeEntry) IsDir() bool { return e.Type == EntryDir }

type Tree struct {
	hash     types.Hash `cbor:"-"`
	rawBytes []byte     `cbor:"-"`

	TypeVal ObjectType  `cbor:"t"`
	Entries []TreeEntry `cbor:"e"`
}

// NewTree 按名字排序条目并封存这棵树。名字必须唯一、
// 非空，且不能包含路径分隔符。
func NewTree(entries []TreeEntry) (*Tree, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for i, e := range sorted {
		if err := validateEntryName(e.Name); err != nil {
			return nil, err
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("%w: duplicate entry name %q", ErrMalformedObject, e.Name)
		}
	}

	t := &Tree{
		TypeVal: TypeTree,
		Entries: sorted,
	}
	h, b, err := CalculateHash(t)
	if err != nil {
		return nil, err
	}
	t.hash = h
	t.rawBytes = b
	return t, nil
}

// DecodeTree 解析存储的树并重新计算其 ID
func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := DecodeObject(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	if t.TypeVal != TypeTree {
		return nil, fmt.Errorf("%w: expected tree, got %q", ErrMalformedObject, t.TypeVal)
	}
	t.hash = CalculateBlobHash(data)
	t.rawBytes = data
	return &t, nil
}

// Find 按名字查找子项
func (t *Tree) Find(name string) (TreeEntry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return t.Entries[i], true
	}
	return TreeEntry{}, false
}

func (t *Tree) Type() ObjectType { return TypeTree }
func (t *Tree) ID() types.Hash   { return t.hash }
func (t *Tree) Bytes() []byte    { return t.rawBytes }

func validateEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: invalid entry name %q", ErrMalformedObject, name)
	}
	return nil
}
