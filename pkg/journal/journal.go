// Package journal 定义 convergent ref 的持久化存储：ref 头指针
// 以及只追加的操作日志。
package journal

import (
	"context"
	"errors"
	"time"

	"converge/pkg/clock"
	"converge/pkg/core"
	"converge/pkg/types"
)

var (
	ErrRefNotFound      = errors.New("ref not found")
	ErrRefExists        = errors.New("ref already exists")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
)

// RefRecord 是 ref 持久化的头指针
type RefRecord struct {
	Name    types.RefName
	ID      string // uuid
	Creator types.ReplicaID

	Snapshot types.Hash
	// Previous 是上一次合并之前的快照，保留用于回滚
	Previous types.Hash
	Clock    clock.VectorClock

	// Version 每次移动头指针时加一 (乐观锁)
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal 持久化 ref。实现：meta (基于 gorm 的 SQL) 和 kv
// (内嵌 badger)。
type Journal interface {
	CreateRef(ctx context.Context, rec RefRecord) error
	GetRef(ctx context.Context, name types.RefName) (*RefRecord, error)
	ListRefs(ctx context.Context) ([]RefRecord, error)

	// Commit 在一个事务里追加 ops 并移动头指针，前提是头指针
	// 仍在 oldVersion。已存储的 op 会被跳过。
	Commit(ctx context.Context, name types.RefName, ops []core.Operation, head Head, oldVersion int64) error

	// LoadOps 返回 ref 的完整日志，按 op id 排序
	LoadOps(ctx context.Context, name types.RefName) ([]core.Operation, error)

	Close() error
}

// Head 是一次合并之后 ref 的新位置
type Head struct {
	Snapshot types.Hash
	Previous types.Hash
	Clock    clock.VectorClock
}
