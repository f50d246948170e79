// pkg/types/common.go
package types

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
)

// Hash 代表对象的唯一标识符 (SHA-256 Hex String)
// 这是一个"值对象"，应当是不可变的。
type Hash string

func (h Hash) String() string { return string(h) }

func (h Hash) IsZero() bool  { return h == "" }
func (h Hash) IsValid() bool { return len(h) == 64 }

// Short 返回前 8 个字符，用于展示
func (h Hash) Short() string {
	if len(h) < 8 {
		return string(h)
	}
	return string(h[:8])
}

type HashPrefix string

func (p HashPrefix) String() string { return string(p) }

// ReplicaID 标识一个 convergent ref 的写入方
// 合法范围是 [0, math.MaxInt64]；0 表示尚未分配
type ReplicaID uint64

func (r ReplicaID) String() string { return strconv.FormatUint(uint64(r), 10) }

// RandomReplicaID 随机生成一个非零的 63 位 replica id
func RandomReplicaID() ReplicaID {
	return ReplicaID(rand.Int64N(math.MaxInt64) + 1)
}

// ParseReplicaID 解析十进制的 replica id
func ParseReplicaID(s string) (ReplicaID, error) {
	v, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid replica id %q: %w", s, err)
	}
	return ReplicaID(v), nil
}

// RefName 是 convergent ref 面向用户的名字 (例如 "photos")
type RefName string

func (n RefName) String() string { return string(n) }
