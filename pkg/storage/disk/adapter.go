package disk

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"converge/pkg/core"
	"converge/pkg/storage"
	"converge/pkg/types"
)

// Adapter 实现了 storage.Store 接口 (本地目录)
type Adapter struct {
	rootPath string // 比如: /home/user/.converge/objects
	codec    *codec
}

type Options struct {
	// CompressionLevel 选择 zstd 速度 (1 最快 .. 4 最好)；0 表示不压缩
	CompressionLevel int
}

func NewAdapter(root string, opts Options) (*Adapter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	c, err := newCodec(opts.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to init compressor: %w", err)
	}
	return &Adapter{rootPath: root, codec: c}, nil
}

// layout 返回哈希对应的物理路径
// 策略：使用前 2 个字符作为子目录 (Sharding)，"aabbcc..." -> root/aa/bbcc...
func (s *Adapter) layout(hash types.Hash) string {
	h := string(hash)
	if len(h) < 2 {
		return filepath.Join(s.rootPath, h)
	}
	return filepath.Join(s.rootPath, h[:2], h[2:])
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) error {
	targetPath := s.layout(obj.ID())

	// 1. 检查是否存在 (幂等性)
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	// 2. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// 3. 原子写入：先写临时文件再 Rename，要么不存在，要么完整
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(s.codec.encode(obj.Bytes())); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// 4. 发布
	return os.Rename(tempFile.Name(), targetPath)
}

func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.layout(hash))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.codec.decode(f)
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	_, err := os.Stat(s.layout(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ExpandHash 列出前缀所在的分片目录，查找唯一匹配
func (s *Adapter) ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	p := string(prefix)
	if len(p) < storage.MinPrefixLen {
		return "", storage.ErrPrefixTooShort
	}

	entries, err := os.ReadDir(filepath.Join(s.rootPath, p[:2]))
	if os.IsNotExist(err) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	var found types.Hash
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), p[2:]) {
			continue
		}
		h := types.Hash(p[:2] + e.Name())
		if !h.IsValid() {
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
	err := os.Remove(s.layout(hash))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Adapter) Walk(ctx context.Context, fn func(types.Hash) error) error {
	return filepath.WalkDir(s.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.rootPath, path)
		if err != nil {
			return err
		}
		h := types.Hash(strings.Replace(filepath.ToSlash(rel), "/", "", 1))
		if !h.IsValid() {
			// 残留的临时文件
			return nil
		}
		return fn(h)
	})
}

func (s *Adapter) Close() error {
	s.codec.Close()
	return nil
}
