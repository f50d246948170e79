package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"converge/pkg/storage"
	"converge/pkg/types"
)

type GCStats struct {
	Live    int
	Scanned int
	Deleted int
}

// GC 删除所有从给定快照不可达的对象。
// 不能与写入同一存储的同步并发执行：
// 先于快照写入的 blob 会被误判为无引用。
func (s *Store) GC(ctx context.Context, liveSnapshots []types.Hash) (GCStats, error) {
	var stats GCStats

	// 1. 标记
	live := make(map[types.Hash]struct{})
	for _, h := range liveSnapshots {
		if err := s.markSnapshot(ctx, h, live); err != nil {
			return stats, err
		}
	}
	stats.Live = len(live)

	// 2. 清除。先收集：后端不一定能容忍遍历中途删除。
	var garbage []types.Hash
	err := s.backend.Walk(ctx, func(h types.Hash) error {
		stats.Scanned++
		if _, ok := live[h]; !ok {
			garbage = append(garbage, h)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("gc walk: %w", err)
	}

	for _, h := range garbage {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.backend.Delete(ctx, h); err != nil {
			return stats, fmt.Errorf("gc delete %s: %w", h.Short(), err)
		}
		stats.Deleted++
	}

	slog.InfoContext(ctx, "gc finished", "live", stats.Live, "scanned", stats.Scanned, "deleted", stats.Deleted)
	return stats, nil
}

func (s *Store) markSnapshot(ctx context.Context, h types.Hash, live map[types.Hash]struct{}) error {
	if _, ok := live[h]; ok {
		return nil
	}
	snap, err := s.LoadSnapshot(ctx, h)
	if err != nil {
		return fmt.Errorf("gc mark snapshot %s: %w", h.Short(), err)
	}
	live[h] = struct{}{}
	return s.markTree(ctx, snap.Root.Hash, live)
}

func (s *Store) markTree(ctx context.Context, h types.Hash, live map[types.Hash]struct{}) error {
	if _, ok := live[h]; ok {
		return nil
	}
	tree, err := s.LoadTree(ctx, h)
	if err != nil {
		return fmt.Errorf("gc mark tree %s: %w", h.Short(), err)
	}
	live[h] = struct{}{}

	for _, e := range tree.Entries {
		if e.IsDir() {
			if err := s.markTree(ctx, e.Hash.Hash, live); err != nil {
				return err
			}
			continue
		}
		live[e.Hash.Hash] = struct{}{}
	}
	return nil
}

// IsNotFound 判断 err 是否表示对象不存在
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
