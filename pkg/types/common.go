// pkg/types/common.go
package types

import (
	"net"
	"strconv"
)

// ExtensionClass 是路由键：由文件名后缀决定由哪个节点负责
type ExtensionClass int

const (
	ClassUnknown ExtensionClass = iota
	ClassLocal                  // ".c"   由网关自己保存
	ClassA                      // ".pdf"
	ClassB                      // ".txt"
	ClassC                      // ".zip"
)

// 固定映射：大小写敏感，精确匹配
var classExtensions = map[ExtensionClass]string{
	ClassLocal: ".c",
	ClassA:     ".pdf",
	ClassB:     ".txt",
	ClassC:     ".zip",
}

// RoutedClasses 是需要转发到存储节点的类别，顺序即 fan-out 顺序
var RoutedClasses = []ExtensionClass{ClassA, ClassB, ClassC}

// ClassForExtension 返回后缀对应的类别，未知后缀返回 ClassUnknown
func ClassForExtension(ext string) ExtensionClass {
	for c, e := range classExtensions {
		if e == ext {
			return c
		}
	}
	return ClassUnknown
}

// Extension 返回类别对应的后缀 (含 ".")
func (c ExtensionClass) Extension() string { return classExtensions[c] }

func (c ExtensionClass) String() string {
	switch c {
	case ClassLocal:
		return "local"
	case ClassA:
		return "pdf"
	case ClassB:
		return "txt"
	case ClassC:
		return "zip"
	default:
		return "unknown"
	}
}

// Archivable 表示 downltar 是否接受该类别
// .zip 不打包
func (c ExtensionClass) Archivable() bool {
	return c == ClassLocal || c == ClassA || c == ClassB
}

// ParseClass 解析配置里的类别名 ("pdf", "txt", "zip", "local")
func ParseClass(name string) ExtensionClass {
	for _, c := range []ExtensionClass{ClassLocal, ClassA, ClassB, ClassC} {
		if c.String() == name {
			return c
		}
	}
	return ClassUnknown
}

// NodeAddress 是存储节点的 (host, port)
type NodeAddress struct {
	Host string
	Port int
}

func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseNodeAddress 解析 "host:port"
func ParseNodeAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeAddress{}, err
	}
	return NodeAddress{Host: host, Port: port}, nil
}

// LogicalPath 是客户端可见的路径，可能带虚拟根标记 (如 "~S1/docs")
type LogicalPath string

func (p LogicalPath) String() string { return string(p) }

// PhysicalPath 是节点根目录下的真实磁盘路径
type PhysicalPath string

func (p PhysicalPath) String() string { return string(p) }

// Verb 是协议命令字
type Verb string

const (
	VerbUpload   Verb = "uploadf"
	VerbDownload Verb = "downlf"
	VerbRemove   Verb = "removef"
	VerbArchive  Verb = "downltar"
	VerbList     Verb = "dispfnames"
)

// Route 描述一个存储节点：地址 + 它的命名空间标记
type Route struct {
	Class  ExtensionClass
	Addr   NodeAddress
	Marker string
}

// RouteTable 是网关启动时注入的静态路由表，构造后不再修改
type RouteTable struct {
	routes map[ExtensionClass]Route
}

// NewRouteTable 拷贝传入的路由，外部后续修改不会影响网关
func NewRouteTable(routes ...Route) RouteTable {
	m := make(map[ExtensionClass]Route, len(routes))
	for _, r := range routes {
		m[r.Class] = r
	}
	return RouteTable{routes: m}
}

// Lookup 返回负责该类别的节点
func (t RouteTable) Lookup(c ExtensionClass) (Route, bool) {
	r, ok := t.routes[c]
	return r, ok
}

// Routes 按 RoutedClasses 的顺序返回所有已配置的路由
func (t RouteTable) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, c := range RoutedClasses {
		if r, ok := t.routes[c]; ok {
			out = append(out, r)
		}
	}
	return out
}
