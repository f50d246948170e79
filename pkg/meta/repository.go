package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"converge/pkg/clock"
	"converge/pkg/core"
	"converge/pkg/journal"
	"converge/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRefNotFound      = journal.ErrRefNotFound
	ErrConcurrentUpdate = journal.ErrConcurrentUpdate
)

// Repository 是 SQL journal
type Repository struct {
	db *DB
}

var _ journal.Journal = (*Repository)(nil)

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. Ref 操作
// -----------------------------------------------------------------------------

func (r *Repository) CreateRef(ctx context.Context, rec journal.RefRecord) error {
	clockJSON, err := encodeClock(rec.Clock)
	if err != nil {
		return err
	}

	model := Ref{
		Name:         string(rec.Name),
		UUID:         rec.ID,
		Creator:      int64(rec.Creator),
		SnapshotHash: string(rec.Snapshot),
		PreviousHash: string(rec.Previous),
		Clock:        clockJSON,
		Version:      1,
	}
	if err := r.db.GetConn().WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return journal.ErrRefExists
		}
		return fmt.Errorf("failed to create ref: %w", err)
	}
	return nil
}

func (r *Repository) GetRef(ctx context.Context, name types.RefName) (*journal.RefRecord, error) {
	var ref Ref
	err := r.db.GetConn().WithContext(ctx).
		Where("name = ?", string(name)).
		First(&ref).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefNotFound
	}
	if err != nil {
		return nil, err
	}
	return toRecord(ref)
}

func (r *Repository) ListRefs(ctx context.Context) ([]journal.RefRecord, error) {
	var refs []Ref
	if err := r.db.GetConn().WithContext(ctx).Order("name").Find(&refs).Error; err != nil {
		return nil, err
	}

	out := make([]journal.RefRecord, 0, len(refs))
	for _, ref := range refs {
		rec, err := toRecord(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Commit 在一个事务中追加 ops，并对 version 做 compare-and-swap
// 来移动头指针：
//
//	UPDATE refs SET ..., version = version + 1 WHERE name = ? AND version = ?
func (r *Repository) Commit(ctx context.Context, name types.RefName, ops []core.Operation, head journal.Head, oldVersion int64) error {
	clockJSON, err := encodeClock(head.Clock)
	if err != nil {
		return err
	}

	models := make([]OpModel, 0, len(ops))
	for _, op := range ops {
		m, err := toOpModel(name, op)
		if err != nil {
			return err
		}
		models = append(models, m)
	}

	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 先移动头指针，竞争失败时什么都不写
		result := tx.Model(&Ref{}).
			Where("name = ? AND version = ?", string(name), oldVersion).
			Updates(map[string]any{
				"snapshot_hash": string(head.Snapshot),
				"previous_hash": string(head.Previous),
				"clock":         clockJSON,
				"version":       gorm.Expr("version + 1"),
				"updated_at":    time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&Ref{}).Where("name = ?", string(name)).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrRefNotFound
			}
			return ErrConcurrentUpdate
		}

		// 2. 追加日志，跳过已存在的 op
		if len(models) == 0 {
			return nil
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ref_name"}, {Name: "counter"}, {Name: "replica"}},
			DoNothing: true,
		}).CreateInBatches(&models, 500).Error
		if err != nil {
			return fmt.Errorf("failed to append ops: %w", err)
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// 2. 操作日志
// -----------------------------------------------------------------------------

func (r *Repository) LoadOps(ctx context.Context, name types.RefName) ([]core.Operation, error) {
	conn := r.db.GetConn().WithContext(ctx)

	var count int64
	if err := conn.Model(&Ref{}).Where("name = ?", string(name)).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrRefNotFound
	}

	var models []OpModel
	err := conn.Where("ref_name = ?", string(name)).
		Order("counter ASC, replica ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	out := make([]core.Operation, 0, len(models))
	for _, m := range models {
		op, err := m.toOperation()
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// FindOpsByPath 返回单个路径的历史，从新到旧
func (r *Repository) FindOpsByPath(ctx context.Context, name types.RefName, path string, limit int) ([]core.Operation, error) {
	var models []OpModel
	err := r.db.GetConn().WithContext(ctx).
		Where("ref_name = ? AND path = ?", string(name), path).
		Order("counter DESC, replica DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	out := make([]core.Operation, 0, len(models))
	for _, m := range models {
		op, err := m.toOperation()
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// -----------------------------------------------------------------------------
// 3. 模型映射
// -----------------------------------------------------------------------------

func toRecord(ref Ref) (*journal.RefRecord, error) {
	vc, err := decodeClock(ref.Clock)
	if err != nil {
		return nil, fmt.Errorf("ref %s: %w", ref.Name, err)
	}
	return &journal.RefRecord{
		Name:      types.RefName(ref.Name),
		ID:        ref.UUID,
		Creator:   types.ReplicaID(ref.Creator),
		Snapshot:  types.Hash(ref.SnapshotHash),
		Previous:  types.Hash(ref.PreviousHash),
		Clock:     vc,
		Version:   ref.Version,
		CreatedAt: ref.CreatedAt,
		UpdatedAt: ref.UpdatedAt,
	}, nil
}

func toOpModel(name types.RefName, op core.Operation) (OpModel, error) {
	clockJSON, err := encodeClock(op.Clock)
	if err != nil {
		return OpModel{}, err
	}
	return OpModel{
		RefName: string(name),
		Counter: int64(op.ID.Counter),
		Replica: int64(op.ID.Replica),
		Kind:    string(op.Kind),
		Path:    op.Path,
		Hash:    string(op.Hash),
		Size:    op.Size,
		Mode:    int64(op.Mode),
		Clock:   clockJSON,
	}, nil
}

func (m OpModel) toOperation() (core.Operation, error) {
	vc, err := decodeClock(m.Clock)
	if err != nil {
		return core.Operation{}, fmt.Errorf("op %d@%d: %w", m.Counter, m.Replica, err)
	}
	return core.Operation{
		ID:    core.OpID{Counter: uint64(m.Counter), Replica: types.ReplicaID(m.Replica)},
		Kind:  core.OpKind(m.Kind),
		Path:  m.Path,
		Hash:  types.Hash(m.Hash),
		Size:  m.Size,
		Mode:  uint32(m.Mode),
		Clock: vc,
	}, nil
}

func encodeClock(vc clock.VectorClock) (datatypes.JSON, error) {
	data, err := json.Marshal(vc.Copy())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal clock: %w", err)
	}
	return datatypes.JSON(data), nil
}

func decodeClock(data datatypes.JSON) (clock.VectorClock, error) {
	vc := clock.New()
	if len(data) == 0 {
		return vc, nil
	}
	if err := json.Unmarshal(data, &vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal clock: %w", err)
	}
	return vc, nil
}

// isUniqueViolation 同时覆盖 PostgreSQL 和 SQLite 的报错措辞
func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}
