package core

import (
	"encoding/hex"
	"testing"

	"converge/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. Link 测试
// -----------------------------------------------------------------------------

func TestLink_Marshal_Compliance(t *testing.T) {
	link := NewLink(mockHash("test-content"))

	data, err := link.MarshalCBOR()
	require.NoError(t, err)

	// Tag 42 (0xd82a) + 33 字节的 byte string (0x5821) + 前缀 (0x00)
	encodedHex := hex.EncodeToString(data)
	assert.Equal(t, "d82a582100", encodedHex[:10])
}

func TestLink_Unmarshal_RoundTrip(t *testing.T) {
	original := mockHash("round-trip-test")
	data, err := NewLink(original).MarshalCBOR()
	require.NoError(t, err)

	var l Link
	require.NoError(t, l.UnmarshalCBOR(data))
	assert.Equal(t, original, l.Hash)
}

func TestLink_Unmarshal_Strictness(t *testing.T) {
	// 缺少 0x00 前缀
	badPrefix, _ := hex.DecodeString("d82a5820" + string(mockHash("bad")))
	var l Link
	err := l.UnmarshalCBOR(badPrefix)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing 0x00 multibase prefix")

	// 用了 tag 43 而不是 42
	wrongTag, _ := hex.DecodeString("d82b582100" + string(mockHash("wrong")))
	err = l.UnmarshalCBOR(wrongTag)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected tag 42")
}

func TestLink_Marshal_RejectsNonHex(t *testing.T) {
	_, err := NewLink("not-hex").MarshalCBOR()
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// 2. Tree 测试
// -----------------------------------------------------------------------------

func TestTree_SortedAndDeterministic(t *testing.T) {
	a := fileEntry("a.txt", "A")
	b := fileEntry("b.txt", "B")
	dir := TreeEntry{Name: "sub", Type: EntryDir, Hash: NewLink(mockHash("sub"))}

	t1 := mustNewTree(t, []TreeEntry{b, dir, a})
	t2 := mustNewTree(t, []TreeEntry{a, b, dir})

	assert.Equal(t, t1.ID(), t2.ID(), "input order must not affect the hash")
	assert.Equal(t, []string{"a.txt", "b.txt", "sub"}, []string{t1.Entries[0].Name, t1.Entries[1].Name, t1.Entries[2].Name})

	e, ok := t1.Find("sub")
	require.True(t, ok)
	assert.True(t, e.IsDir())
	_, ok = t1.Find("missing")
	assert.False(t, ok)
}

func TestTree_RejectsBadNames(t *testing.T) {
	tests := []struct {
		name    string
		entries []TreeEntry
	}{
		{"duplicate", []TreeEntry{fileEntry("x", "1"), fileEntry("x", "2")}},
		{"empty", []TreeEntry{fileEntry("", "1")}},
		{"dot dot", []TreeEntry{fileEntry("..", "1")}},
		{"separator", []TreeEntry{fileEntry("a/b", "1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTree(tt.entries)
			assert.ErrorIs(t, err, ErrMalformedObject)
		})
	}
}

func TestTree_DecodeRoundTrip(t *testing.T) {
	e := fileEntry("notes.md", "hello")
	e.Clock = clock.VectorClock{3: 2, 9: 1}
	e.Origin = "notes.md"
	orig := mustNewTree(t, []TreeEntry{e})

	decoded, err := DecodeTree(orig.Bytes())
	require.NoError(t, err)
	assert.Equal(t, orig.ID(), decoded.ID())
	require.Len(t, decoded.Entries, 1)
	assert.Equal(t, e.Hash, decoded.Entries[0].Hash)
	assert.Equal(t, e.Clock, decoded.Entries[0].Clock)
	assert.Equal(t, "notes.md", decoded.Entries[0].Origin)
}

func TestTree_ClockChangesHash(t *testing.T) {
	e1 := fileEntry("a", "same")
	e2 := fileEntry("a", "same")
	e2.Clock = clock.VectorClock{1: 1}

	assert.NotEqual(t, mustNewTree(t, []TreeEntry{e1}).ID(), mustNewTree(t, []TreeEntry{e2}).ID())
}

// -----------------------------------------------------------------------------
// 3. Snapshot 测试
// -----------------------------------------------------------------------------

func TestSnapshot_ClockOrderDoesNotMatter(t *testing.T) {
	root := mockHash("root")

	// map 的遍历顺序是随机的，规范编码必须屏蔽这一点
	vc1 := clock.VectorClock{}
	vc2 := clock.VectorClock{}
	for i := 1; i <= 20; i++ {
		vc1[clockReplica(i)] = uint64(i)
		vc2[clockReplica(21-i)] = uint64(21 - i)
	}

	s1, err := NewSnapshot(root, vc1, 3)
	require.NoError(t, err)
	s2, err := NewSnapshot(root, vc2, 3)
	require.NoError(t, err)
	assert.Equal(t, s1.ID(), s2.ID())
}

func TestSnapshot_DecodeRoundTrip(t *testing.T) {
	orig, err := NewSnapshot(mockHash("root"), clock.VectorClock{5: 7}, 2)
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(orig.Bytes())
	require.NoError(t, err)
	assert.Equal(t, orig.ID(), decoded.ID())
	assert.Equal(t, orig.Root, decoded.Root)
	assert.Equal(t, clock.VectorClock{5: 7}, decoded.Clock)
	assert.Equal(t, 2, decoded.Files)
}

func TestSnapshot_DecodeRejectsWrongType(t *testing.T) {
	tree := mustNewTree(t, nil)
	_, err := DecodeSnapshot(tree.Bytes())
	assert.ErrorIs(t, err, ErrMalformedObject)
}

func TestEmptySnapshot_Stable(t *testing.T) {
	s1, root1, err := EmptySnapshot()
	require.NoError(t, err)
	s2, _, err := EmptySnapshot()
	require.NoError(t, err)

	assert.Equal(t, s1.ID(), s2.ID())
	assert.Equal(t, root1.ID(), s1.Root.Hash)
	assert.Empty(t, s1.Clock)
	assert.Equal(t, s1.ID(), mustNewSnapshot(t, root1.ID(), 0).ID())
}

// -----------------------------------------------------------------------------
// 4. Operation 测试
// -----------------------------------------------------------------------------

func TestOpID_Ordering(t *testing.T) {
	a := OpID{Counter: 1, Replica: 9}
	b := OpID{Counter: 2, Replica: 1}
	c := OpID{Counter: 2, Replica: 3}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 1, c.Compare(a))
	assert.Equal(t, 0, c.Compare(c))
	assert.Equal(t, "2@3", c.String())
}

func TestOperation_Validate(t *testing.T) {
	valid := Operation{
		ID:    OpID{Counter: 2, Replica: 7},
		Kind:  OpInsert,
		Path:  "dir/a.txt",
		Hash:  mockHash("a"),
		Size:  1,
		Clock: clock.VectorClock{7: 2, 3: 1},
	}
	require.NoError(t, valid.Validate())

	mutate := func(f func(*Operation)) Operation {
		op := valid
		op.Clock = valid.Clock.Copy()
		f(&op)
		return op
	}

	tests := []struct {
		name string
		op   Operation
	}{
		{"zero counter", mutate(func(o *Operation) { o.ID.Counter = 0 })},
		{"clock missing own tick", mutate(func(o *Operation) { o.Clock = clock.VectorClock{7: 1} })},
		{"write without hash", mutate(func(o *Operation) { o.Hash = "" })},
		{"unknown kind", mutate(func(o *Operation) { o.Kind = "rename" })},
		{"absolute path", mutate(func(o *Operation) { o.Path = "/etc/passwd" })},
		{"escaping path", mutate(func(o *Operation) { o.Path = "../x" })},
		{"unclean path", mutate(func(o *Operation) { o.Path = "a//b" })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.op.Validate(), ErrInvalidOperation)
		})
	}

	del := mutate(func(o *Operation) { o.Kind = OpDelete; o.Hash = ""; o.Size = 0 })
	assert.NoError(t, del.Validate())
}

func TestOperation_SamePayload(t *testing.T) {
	op := Operation{ID: OpID{1, 1}, Kind: OpInsert, Path: "a", Hash: mockHash("a"), Clock: clock.VectorClock{1: 1}}
	other := op
	other.Clock = clock.VectorClock{1: 1}
	assert.True(t, op.SamePayload(other))

	other.Hash = mockHash("b")
	assert.False(t, op.SamePayload(other))
}

func TestOperation_CBORRoundTrip(t *testing.T) {
	op := Operation{ID: OpID{4, 2}, Kind: OpUpdate, Path: "x/y", Hash: mockHash("y"), Size: 10, Mode: 0o755, Clock: clock.VectorClock{2: 4, 1: 3}}
	data, err := Encode(op)
	require.NoError(t, err)

	var got Operation
	require.NoError(t, DecodeObject(data, &got))
	assert.True(t, op.SamePayload(got))
}

func TestSortOperations(t *testing.T) {
	ops := []Operation{
		{ID: OpID{3, 1}},
		{ID: OpID{1, 5}},
		{ID: OpID{1, 2}},
	}
	SortOperations(ops)
	assert.Equal(t, []OpID{{1, 2}, {1, 5}, {3, 1}}, []OpID{ops[0].ID, ops[1].ID, ops[2].ID})
}
