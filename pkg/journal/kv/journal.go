// Package kv 是基于内嵌 badger 数据库的 Journal，
// 用于不想部署 SQL 服务的主机。
package kv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"converge/pkg/core"
	"converge/pkg/journal"
	"converge/pkg/types"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key 命名空间：
//
//	r:<name>                          -> refValue (json)
//	o:<name>\x00<counter><replica>    -> core.Operation (json)，id 为大端序
//
// 大端序的 id 让 badger 的 key 顺序等于 op id 顺序。
const (
	prefixRef = "r:"
	prefixOp  = "o:"
)

func keyRef(name types.RefName) []byte {
	return []byte(prefixRef + string(name))
}

func keyOpPrefix(name types.RefName) []byte {
	return append([]byte(prefixOp+string(name)), 0)
}

func keyOp(name types.RefName, id core.OpID) []byte {
	k := keyOpPrefix(name)
	k = binary.BigEndian.AppendUint64(k, id.Counter)
	return binary.BigEndian.AppendUint64(k, uint64(id.Replica))
}

type Journal struct {
	db *badgerdb.DB
}

// Open 在 dir 中打开 (或创建) journal。dir 为空时全部保存在
// 内存中。
func Open(dir string) (*Journal, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) CreateRef(ctx context.Context, rec journal.RefRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1

	return j.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyRef(rec.Name))
		if err == nil {
			return journal.ErrRefExists
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, keyRef(rec.Name), rec)
	})
}

func (j *Journal) GetRef(ctx context.Context, name types.RefName) (*journal.RefRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec journal.RefRecord
	err := j.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, keyRef(name), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (j *Journal) ListRefs(ctx context.Context) ([]journal.RefRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []journal.RefRecord
	err := j.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRef)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec journal.RefRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (j *Journal) Commit(ctx context.Context, name types.RefName, ops []core.Operation, head journal.Head, oldVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// badger 事务是可串行化的：同一个 ref 上并发的 Commit
	// 会以 ErrConflict 失败，这里报告为 CAS 失败。
	err := j.db.Update(func(txn *badgerdb.Txn) error {
		var rec journal.RefRecord
		if err := getJSON(txn, keyRef(name), &rec); err != nil {
			return err
		}
		if rec.Version != oldVersion {
			return journal.ErrConcurrentUpdate
		}

		for _, op := range ops {
			k := keyOp(name, op.ID)
			if _, err := txn.Get(k); err == nil {
				continue
			} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
			if err := setJSON(txn, k, op); err != nil {
				return err
			}
		}

		rec.Snapshot = head.Snapshot
		rec.Previous = head.Previous
		rec.Clock = head.Clock.Copy()
		rec.Version++
		rec.UpdatedAt = time.Now()
		return setJSON(txn, keyRef(name), rec)
	})
	if errors.Is(err, badgerdb.ErrConflict) {
		return journal.ErrConcurrentUpdate
	}
	return err
}

func (j *Journal) LoadOps(ctx context.Context, name types.RefName) ([]core.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []core.Operation
	err := j.db.View(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyRef(name)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return journal.ErrRefNotFound
			}
			return err
		}

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = keyOpPrefix(name)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var op core.Operation
				if err := json.Unmarshal(val, &op); err != nil {
					return err
				}
				out = append(out, op)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func setJSON(txn *badgerdb.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badgerdb.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return journal.ErrRefNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
