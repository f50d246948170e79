package merge

import (
	"fmt"
	"path"
	"strings"

	"converge/pkg/core"
)

type ConflictKind string

const (
	// ModifyModify: 内容不同的并发写入
	ModifyModify ConflictKind = "modify-modify"
	// DeleteModify: 与删除并发的写入
	DeleteModify ConflictKind = "delete-modify"
	// FileDir: 文件占据了另一个文件需要的目录位置
	FileDir ConflictKind = "file-dir"
)

// ConflictRecord 描述一次自动解决的冲突
type ConflictRecord struct {
	Path       string       `json:"path"`
	Kind       ConflictKind `json:"kind"`
	Winner     core.OpID    `json:"winner"`
	Losers     []core.OpID  `json:"losers,omitempty"`
	Siblings   []string     `json:"siblings,omitempty"`
	Resolution string       `json:"resolution"`
}

func (c ConflictRecord) String() string {
	s := fmt.Sprintf("%s %s: %s", c.Kind, c.Path, c.Resolution)
	if len(c.Siblings) > 0 {
		s += " (" + strings.Join(c.Siblings, ", ") + ")"
	}
	return s
}

// siblingName 对 "dir/stem.ext" 返回 "dir/stem.conflict-N.ext"。
// 没有后续扩展名的点文件把整个名字当作 stem。
func siblingName(p string, n int) string {
	dir, name := path.Split(p)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return fmt.Sprintf("%s%s.conflict-%d%s", dir, stem, n, ext)
}
