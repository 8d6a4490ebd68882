package protocol

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"extvault/pkg/types"
)

// ExtensionOf 取文件名 (最后一个路径段) 里最后一个 "." 之后的后缀
// 没有 "." 与后缀不认识是两种不同的错误
func ExtensionOf(name string) (types.ExtensionClass, error) {
	base := name
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}

	dot := strings.LastIndex(base, ".")
	if dot < 0 {
		return types.ClassUnknown, fmt.Errorf("%w: %s", ErrNoExtension, name)
	}

	ext := base[dot:]
	class := types.ClassForExtension(ext)
	if class == types.ClassUnknown {
		return types.ClassUnknown, fmt.Errorf("%w: %s", ErrUnsupportedExtension, ext)
	}
	return class, nil
}

// splitMarker 检查路径的第一段是否正好是 marker
// "~S1" 和 "~S1/docs" 匹配，"~S1docs" 不匹配
func splitMarker(p, marker string) (string, bool) {
	if marker == "" {
		return "", false
	}
	if p == marker {
		return "", true
	}
	if strings.HasPrefix(p, marker+"/") {
		return p[len(marker):], true
	}
	return "", false
}

// RewritePath 把开头的虚拟根标记换成目标节点自己的标记，其余部分原样保留
// 没有标记的路径原样返回，由目标节点直接挂到它的根目录下
func RewritePath(p types.LogicalPath, fromMarker, toMarker string) types.LogicalPath {
	if rest, ok := splitMarker(string(p), fromMarker); ok {
		return types.LogicalPath(toMarker + rest)
	}
	return p
}

// Relative 去掉节点自己的标记，返回相对于节点根目录的 slash 路径
// 根目录本身返回 "."；任何 ".." 段都会被拒绝，保证结果不会逃出根目录
func Relative(p types.LogicalPath, marker string) (string, error) {
	rest := string(p)
	if r, ok := splitMarker(rest, marker); ok {
		rest = r
	}

	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q escapes node root", ErrMalformedCommand, p)
		}
	}

	rel := strings.TrimPrefix(path.Clean("/"+rest), "/")
	if rel == "" {
		return ".", nil
	}
	return rel, nil
}

// Anchor 把逻辑路径解析成节点根目录下的物理路径
func Anchor(p types.LogicalPath, marker, root string) (types.PhysicalPath, error) {
	rel, err := Relative(p, marker)
	if err != nil {
		return "", err
	}
	return types.PhysicalPath(filepath.Join(root, filepath.FromSlash(rel))), nil
}
