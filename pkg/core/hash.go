package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"converge/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// DAG-CBOR 风格的编码：同一个值必须永远产生相同的字节，
// 否则两个副本会对同一个快照句柄产生分歧。
var encOptions = cbor.EncOptions{
	// 1. 规范的 key 顺序
	Sort: cbor.SortCanonical,

	// 2. 浮点数统一用 64 位
	ShortestFloat: cbor.ShortestFloatNone,

	// 3. 时间编码为普通 unix 整数，不用 tag 0/1
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 4. 只允许定长编码
	IndefLength: cbor.IndefLengthForbidden,

	BigIntConvert: cbor.BigIntConvertShortest,
}

var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	// 限制容器大小，防止损坏的对象耗尽内存。
	// 百万级条目的目录依然可以接受。
	MaxArrayElements: 1 << 20,
	MaxMapPairs:      1 << 20,
	MaxNestedLevels:  64,

	IndefLength: cbor.IndefLengthForbidden,
	DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	BignumTag:   cbor.BignumTagForbidden,
	TimeTag:     cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// CalculateHash 规范编码 v，返回其 ID 和字节
func CalculateHash(v any) (types.Hash, []byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal object: %w", err)
	}

	sum := sha256.Sum256(data)
	return types.Hash(hex.EncodeToString(sum[:])), data, nil
}

// CalculateBlobHash 计算原始文件内容的哈希
func CalculateBlobHash(data []byte) types.Hash {
	sum := sha256.Sum256(data)
	return types.Hash(hex.EncodeToString(sum[:]))
}

// Encode 用规范编码器序列化 v，但不计算哈希
func Encode(v any) ([]byte, error) {
	return em.Marshal(v)
}

// DecodeObject 解码 CalculateHash 或 Encode 产生的字节
func DecodeObject(data []byte, v any) error {
	return dm.Unmarshal(data, v)
}
