package core

import "converge/pkg/types"

// ObjectType 表示内容存储中对象的种类
type ObjectType string

const (
	TypeBlob     ObjectType = "blob"     // 原始文件内容
	TypeTree     ObjectType = "tree"     // 目录列表
	TypeSnapshot ObjectType = "snapshot" // 根树 + 因果历史
)

// Object 是任何可以持久化到内容存储中的东西
type Object interface {
	Type() ObjectType

	// ID 是 Bytes() 的内容哈希
	ID() types.Hash

	// Bytes 是写入存储的原始负载
	Bytes() []byte
}
