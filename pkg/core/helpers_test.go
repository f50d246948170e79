package core

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"converge/pkg/types"

	"github.com/stretchr/testify/require"
)

// mockHash 从任意字符串派生一个合法的 64 位 hex 哈希
func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

func mustNewTree(t *testing.T, entries []TreeEntry, msgAndArgs ...any) *Tree {
	t.Helper()
	tree, err := NewTree(entries)
	require.NoError(t, err, msgAndArgs...)
	return tree
}

func mustNewSnapshot(t *testing.T, root types.Hash, files int, msgAndArgs ...any) *Snapshot {
	t.Helper()
	s, err := NewSnapshot(root, nil, files)
	require.NoError(t, err, msgAndArgs...)
	return s
}

func fileEntry(name, content string) TreeEntry {
	return TreeEntry{
		Name: name,
		Type: EntryFile,
		Hash: NewLink(mockHash(content)),
		Size: int64(len(content)),
		Mode: 0o644,
	}
}

func clockReplica(i int) types.ReplicaID { return types.ReplicaID(i) }
