// Package ignore 决定同步目录中哪些路径只保留在本地
package ignore

import (
	"errors"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是目录根下的用户规则文件，采用 .gitignore 语法
const FileName = ".convergeignore"

// defaultRules 总是生效
var defaultRules = []string{
	".converge", // 同步元数据：index、临时文件
	".git",
	".DS_Store",
	"Thumbs.db",
}

type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 编译默认规则，以及目录中的忽略文件
// (如果存在)。
func NewMatcher(fs billy.Filesystem) (*Matcher, error) {
	lines := append([]string(nil), defaultRules...)

	data, err := util.ReadFile(fs, FileName)
	switch {
	case err == nil:
		lines = append(lines, strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")...)
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	return &Matcher{ignorer: gitignore.CompileIgnoreLines(lines...)}, nil
}

// Matches 判断一个相对目录根、以斜杠分隔的路径
// 是否被忽略。
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(path)
}
