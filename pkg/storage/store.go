package storage

import (
	"context"
	"errors"
	"io"

	"converge/pkg/core"
	"converge/pkg/types"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrAmbiguousHash  = errors.New("ambiguous hash prefix")
	ErrPrefixTooShort = errors.New("hash prefix too short")
)

// MinPrefixLen 是 ExpandHash 接受的最短前缀
const MinPrefixLen = 4

// Store 是内容寻址的对象后端：本地磁盘、S3 或内存。
// 对象不可变，以其字节的哈希为 key，所以 Put 是幂等的。
type Store interface {
	Put(ctx context.Context, obj core.Object) error

	// Get 以流的方式读取对象。不存在时返回 ErrNotFound。
	Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error)

	Has(ctx context.Context, hash types.Hash) (bool, error)

	// ExpandHash 把唯一的短前缀解析为完整哈希
	ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error)

	// Delete 删除对象。删除不存在的对象不算错误。
	Delete(ctx context.Context, hash types.Hash) error

	// Walk 对每个已存储的哈希调用 fn，顺序不保证
	Walk(ctx context.Context, fn func(types.Hash) error) error
}

// ReadAll 把对象完整读入内存
func ReadAll(ctx context.Context, s Store, hash types.Hash) ([]byte, error) {
	rc, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
