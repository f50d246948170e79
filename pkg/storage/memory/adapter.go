// Package memory 是进程内的 Store，用于测试以及
// storage.type=memory。
package memory

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"converge/pkg/core"
	"converge/pkg/storage"
	"converge/pkg/types"
)

type Adapter struct {
	mu      sync.RWMutex
	objects map[types.Hash][]byte
}

func NewAdapter() *Adapter {
	return &Adapter{objects: make(map[types.Hash][]byte)}
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[obj.ID()]; ok {
		return nil
	}
	s.objects[obj.ID()] = bytes.Clone(obj.Bytes())
	return nil
}

func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[hash]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[hash]
	return ok, nil
}

func (s *Adapter) ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	if len(prefix) < storage.MinPrefixLen {
		return "", storage.ErrPrefixTooShort
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found types.Hash
	for h := range s.objects {
		if !strings.HasPrefix(string(h), string(prefix)) {
			continue
		}
		if found != "" {
			return "", storage.ErrAmbiguousHash
		}
		found = h
	}
	if found == "" {
		return "", storage.ErrNotFound
	}
	return found, nil
}

func (s *Adapter) Delete(ctx context.Context, hash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, hash)
	return nil
}

func (s *Adapter) Walk(ctx context.Context, fn func(types.Hash) error) error {
	s.mu.RLock()
	hashes := make([]types.Hash, 0, len(s.objects))
	for h := range s.objects {
		hashes = append(hashes, h)
	}
	s.mu.RUnlock()

	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

// Len 返回已存储对象的数量
func (s *Adapter) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
