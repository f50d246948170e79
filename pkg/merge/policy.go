package merge

import (
	"fmt"
	"strings"
)

// Policy 决定同一路径上并发的删除与修改谁胜出
type Policy int

const (
	ModifyWins Policy = iota
	DeleteWins
	KeepBoth
)

func (p Policy) String() string {
	switch p {
	case DeleteWins:
		return "delete-wins"
	case KeepBoth:
		return "keep-both"
	default:
		return "modify-wins"
	}
}

// ParsePolicy 接受 "modify-wins"、"delete-wins" 和 "keep-both"，
// 支持 kebab、snake 和 camel 写法。空字符串选择 ModifyWins。
func ParsePolicy(s string) (Policy, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(s)))
	switch norm {
	case "", "modifywins":
		return ModifyWins, nil
	case "deletewins":
		return DeleteWins, nil
	case "keepboth":
		return KeepBoth, nil
	default:
		return ModifyWins, fmt.Errorf("unknown conflict policy %q", s)
	}
}
