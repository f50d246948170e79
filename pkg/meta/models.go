package meta

import (
	"time"

	"gorm.io/datatypes"
)

// Ref 是 convergent ref 的头指针
type Ref struct {
	// Name 是主键，比如 "photos"
	Name string `gorm:"primaryKey;type:varchar(255)"`

	UUID    string `gorm:"uniqueIndex;type:varchar(36);not null"`
	Creator int64  `gorm:"not null"`

	SnapshotHash string `gorm:"type:char(64);not null"`
	PreviousHash string `gorm:"type:char(64)"`

	// Clock 是所有 op 时钟的合并，格式为 {"replica": counter}
	Clock datatypes.JSON

	// Version 用于乐观锁 (CAS)：每次移动头指针 +1
	Version int64 `gorm:"default:1"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OpModel 是 ref 操作日志中的一条。(ref, counter, replica)
// 是主键，所以重复追加同一个 op 不会有影响。
type OpModel struct {
	RefName string `gorm:"primaryKey;type:varchar(255)"`
	Counter int64  `gorm:"primaryKey;autoIncrement:false"`
	Replica int64  `gorm:"primaryKey;autoIncrement:false"`

	Kind string `gorm:"type:varchar(16);not null"`
	Path string `gorm:"type:text;not null;index"`
	Hash string `gorm:"type:char(64)"`
	Size int64
	Mode int64

	Clock datatypes.JSON

	CreatedAt time.Time
}

func (OpModel) TableName() string {
	return "operations"
}

// Models 列出 journal 需要的所有表，用于 AutoMigrate
func Models() []any {
	return []any{&Ref{}, &OpModel{}}
}
