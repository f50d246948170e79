package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"converge/pkg/core"
	"converge/pkg/storage"
	"converge/pkg/types"

	"github.com/redis/go-redis/v9"
)

// CachedStore 用 Redis 存在性缓存装饰 storage.Store。
// 只缓存"某个哈希已存在"这一事实，不缓存内容，
// 这正是同步时去重检查频繁访问的部分。
type CachedStore struct {
	backend storage.Store
	client  *redis.Client
	ttl     time.Duration
}

type Config struct {
	RedisURL string // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// 快速失败
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
	}, nil
}

func (s *CachedStore) cacheKey(hash types.Hash) string {
	return "converge:obj:" + string(hash)
}

// Has 尽量从 Redis 获取答案。Redis 故障时降级为查询后端，
// 而不是让调用失败。
func (s *CachedStore) Has(ctx context.Context, hash types.Hash) (bool, error) {
	key := s.cacheKey(hash)

	// 1. 查 Redis
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		slog.WarnContext(ctx, "redis exists failed, falling back to backend", "hash", hash.Short(), "error", err)
	} else if val > 0 {
		return true, nil
	}

	// 2. 未命中：查后端
	found, err := s.backend.Has(ctx, hash)
	if err != nil {
		return false, err
	}

	// 3. 异步回填；调用方的 ctx 可能已经结束
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}

	return found, nil
}

func (s *CachedStore) Put(ctx context.Context, obj core.Object) error {
	exists, err := s.Has(ctx, obj.ID())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.backend.Put(ctx, obj); err != nil {
		return err
	}

	// 只有后端接受之后才写缓存
	if err := s.client.Set(ctx, s.cacheKey(obj.ID()), "1", s.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "redis set failed", "hash", obj.ID().Short(), "error", err)
	}
	return nil
}

func (s *CachedStore) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	return s.backend.Get(ctx, hash)
}

func (s *CachedStore) ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	return s.backend.ExpandHash(ctx, prefix)
}

// Delete 先删除缓存条目，这样后端删除成功后，
// 并发的 Has 不会再报告一个已删除的对象。
func (s *CachedStore) Delete(ctx context.Context, hash types.Hash) error {
	if err := s.client.Del(ctx, s.cacheKey(hash)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return s.backend.Delete(ctx, hash)
}

func (s *CachedStore) Walk(ctx context.Context, fn func(types.Hash) error) error {
	return s.backend.Walk(ctx, fn)
}

func (s *CachedStore) Close() error {
	return s.client.Close()
}
