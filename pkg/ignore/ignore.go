package ignore

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是节点根目录下用户自定义忽略规则的文件名
const FileName = ".evignore"

// Matcher 封装了忽略逻辑
// 它负责判断一个文件是否应该从列表和归档里隐藏
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// 系统级默认忽略规则，强制生效
var defaultRules = []string{
	// --- 节点自己的簿记文件 ---
	"*.ev-tmp", // 原子写入的临时文件，合法的上传不会用这个后缀
	".ev",      // 日志数据库、暂存副本、本地配置
	FileName,

	// --- 常见垃圾文件 ---
	".DS_Store", // macOS
	"Thumbs.db", // Windows
}

// NewMatcher 初始化忽略匹配器
// rootPath: 节点根目录（用于查找 .evignore 文件），为空时只用默认规则
// extra: 配置里追加的规则
func NewMatcher(rootPath string, extra ...string) (*Matcher, error) {
	rules := append(append([]string{}, defaultRules...), extra...)

	if rootPath == "" {
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(rules...)}, nil
	}

	ignoreFilePath := filepath.Join(rootPath, FileName)
	if _, errStat := os.Stat(ignoreFilePath); errStat != nil {
		// 用户没定义 .evignore，仅编译默认规则
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(rules...)}, nil
	}

	// 用户定义了 .evignore，把文件内容和默认规则合并编译
	ignorer, err := gitignore.CompileIgnoreFileAndLines(ignoreFilePath, rules...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches 检查给定的路径是否匹配忽略规则
// path: 相对于节点根目录的 slash 路径 (例如 "docs/notes.txt")
// 返回: true 表示应该隐藏
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(path)
}

// Filter 返回 names 中不被忽略的部分，dir 是这些名字所在的目录
func (m *Matcher) Filter(dir string, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		p := name
		if dir != "" && dir != "." {
			p = dir + "/" + name
		}
		if !m.Matches(p) {
			out = append(out, name)
		}
	}
	return out
}
