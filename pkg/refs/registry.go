package refs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"converge/pkg/clock"
	"converge/pkg/content"
	"converge/pkg/core"
	"converge/pkg/journal"
	"converge/pkg/merge"
	"converge/pkg/metrics"
	"converge/pkg/types"

	"github.com/google/uuid"
)

const maxRefNameLen = 255

// Registry 创建和打开 ref。打开的 ref 会被缓存，这样进程内
// 所有调用方对每个 ref 共享同一把写锁。
type Registry struct {
	journal journal.Journal
	content *content.Store
	engine  *merge.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	open map[types.RefName]*ConvergentRef
}

func NewRegistry(j journal.Journal, c *content.Store, e *merge.Engine, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		journal: j,
		content: c,
		engine:  e,
		metrics: m,
		logger:  logger,
		open:    make(map[types.RefName]*ConvergentRef),
	}
}

func ValidateRefName(name types.RefName) error {
	s := string(name)
	switch {
	case s == "":
		return fmt.Errorf("%w: empty", ErrInvalidRefName)
	case len(s) > maxRefNameLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidRefName, maxRefNameLen)
	case strings.ContainsAny(s, "\x00\n"):
		return fmt.Errorf("%w: %q contains a control character", ErrInvalidRefName, s)
	case strings.TrimSpace(s) != s:
		return fmt.Errorf("%w: %q has surrounding spaces", ErrInvalidRefName, s)
	}
	return nil
}

// Create 注册一个指向空快照的新 ref
func (g *Registry) Create(ctx context.Context, name types.RefName, creator types.ReplicaID) (*ConvergentRef, error) {
	return g.create(ctx, name, uuid.NewString(), creator)
}

// CreateReplica 为在别处创建的 ref 注册一个本地副本，保留
// 它的 id 和创建者。它的操作稍后通过 ObserveRemote 到达。
func (g *Registry) CreateReplica(ctx context.Context, name types.RefName, id string, creator types.ReplicaID) (*ConvergentRef, error) {
	if err := uuid.Validate(id); err != nil {
		return nil, fmt.Errorf("invalid ref id %q: %w", id, err)
	}
	return g.create(ctx, name, id, creator)
}

func (g *Registry) create(ctx context.Context, name types.RefName, id string, creator types.ReplicaID) (*ConvergentRef, error) {
	if err := ValidateRefName(name); err != nil {
		return nil, err
	}

	snap, root, err := core.EmptySnapshot()
	if err != nil {
		return nil, err
	}
	if err := g.content.PutObject(ctx, root); err != nil {
		return nil, err
	}
	if err := g.content.PutObject(ctx, snap); err != nil {
		return nil, err
	}

	rec := journal.RefRecord{
		Name:     name,
		ID:       id,
		Creator:  creator,
		Snapshot: snap.ID(),
		Clock:    clock.New(),
	}
	if err := g.journal.CreateRef(ctx, rec); err != nil {
		return nil, fmt.Errorf("create ref %s: %w", name, err)
	}

	g.logger.Info("ref created", "ref", name, "id", rec.ID, "creator", creator)
	return g.Open(ctx, name)
}

// Open 返回 ref，在本进程第一次打开时回放它的日志。
// 缓存的 ref 如果被其他进程移动过，会先刷新。
func (g *Registry) Open(ctx context.Context, name types.RefName) (*ConvergentRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.open[name]; ok {
		if _, err := r.Refresh(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}

	rec, err := g.journal.GetRef(ctx, name)
	if err != nil {
		if errors.Is(err, journal.ErrRefNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRefNotFound, name)
		}
		return nil, err
	}

	r := &ConvergentRef{
		name:    rec.Name,
		id:      rec.ID,
		creator: rec.Creator,
		journal: g.journal,
		content: g.content,
		engine:  g.engine,
		metrics: g.metrics,
		logger:  g.logger,
	}
	if err := r.reloadLocked(ctx); err != nil {
		return nil, err
	}

	g.open[name] = r
	return r, nil
}

func (g *Registry) List(ctx context.Context) ([]journal.RefRecord, error) {
	return g.journal.ListRefs(ctx)
}

// LiveSnapshots 返回每个 ref 的当前快照和上一个快照：
// 垃圾回收必须保留的根。
func (g *Registry) LiveSnapshots(ctx context.Context) ([]types.Hash, error) {
	recs, err := g.journal.ListRefs(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.Hash
	for _, rec := range recs {
		out = append(out, rec.Snapshot)
		if !rec.Previous.IsZero() {
			out = append(out, rec.Previous)
		}
	}

	// 已打开的 ref 可能回放到了 journal 没有记录的头指针。
	g.mu.Lock()
	for _, r := range g.open {
		out = append(out, r.CurrentSnapshot().ID())
	}
	g.mu.Unlock()

	return out, nil
}
