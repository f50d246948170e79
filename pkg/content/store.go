// Package content 是同步所依赖的内容寻址层：文件字节存为原始 blob，
// 树和快照存为 CBOR 对象，底层可以是任意 storage.Store 后端。
package content

import (
	"context"
	"errors"
	"fmt"

	"converge/pkg/core"
	"converge/pkg/storage"
	"converge/pkg/types"
)

var ErrCorrupt = errors.New("stored object does not match its hash")

type Store struct {
	backend storage.Store
}

func NewStore(backend storage.Store) *Store {
	return &Store{backend: backend}
}

// Backend 暴露底层对象存储
func (s *Store) Backend() storage.Store { return s.backend }

// Put 存储文件内容并返回其哈希。
// 相同的字节存两次只会写一次。
func (s *Store) Put(ctx context.Context, data []byte) (types.Hash, error) {
	blob := core.NewBlob(data)
	if err := s.backend.Put(ctx, blob); err != nil {
		return "", fmt.Errorf("put blob %s: %w", blob.ID().Short(), err)
	}
	return blob.ID(), nil
}

// Get 返回文件内容，并校验其哈希
func (s *Store) Get(ctx context.Context, hash types.Hash) ([]byte, error) {
	data, err := storage.ReadAll(ctx, s.backend, hash)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", hash.Short(), err)
	}
	if core.CalculateBlobHash(data) != hash {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, hash)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, hash types.Hash) (bool, error) {
	return s.backend.Has(ctx, hash)
}

// PutObject 存储树或快照
func (s *Store) PutObject(ctx context.Context, obj core.Object) error {
	if err := s.backend.Put(ctx, obj); err != nil {
		return fmt.Errorf("put %s %s: %w", obj.Type(), obj.ID().Short(), err)
	}
	return nil
}

func (s *Store) LoadTree(ctx context.Context, hash types.Hash) (*core.Tree, error) {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return core.DecodeTree(data)
}

func (s *Store) LoadSnapshot(ctx context.Context, hash types.Hash) (*core.Snapshot, error) {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return core.DecodeSnapshot(data)
}

// Expand 解析短哈希
func (s *Store) Expand(ctx context.Context, prefix string) (types.Hash, error) {
	h := types.Hash(prefix)
	if h.IsValid() {
		return h, nil
	}
	return s.backend.ExpandHash(ctx, types.HashPrefix(prefix))
}
