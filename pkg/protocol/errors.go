package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// 错误分类 (taxonomy)。所有跨节点的错误最终都归到这几类。
var (
	ErrMalformedCommand     = errors.New("malformed command")
	ErrNoExtension          = errors.New("file has no extension")
	ErrUnsupportedExtension = errors.New("unsupported file type")
	ErrNodeUnreachable      = errors.New("storage node unreachable")
	ErrNotFound             = errors.New("not found")
	ErrIOFailure            = errors.New("i/o failure")
	ErrWrongOwner           = errors.New("file type not served by this node")

	// ErrEmptyReply 表示对端没有发送任何数据就关闭了连接
	ErrEmptyReply = errors.New("peer closed without reply")
	// ErrEmptyBody 表示短读分帧无法表达空负载
	ErrEmptyBody = errors.New("empty payload cannot be expressed with short-read framing")
)

// ErrorPrefix 是错误回复在数据通道上的文本前缀
const ErrorPrefix = "Error"

// ErrorKind 是线上传输的错误类别
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindMalformed
	KindNoExtension
	KindUnsupported
	KindUnreachable
	KindNotFound
	KindIO
	KindWrongOwner
)

type kindInfo struct {
	name     string // framed 模式 header 里的名字
	text     string // legacy 模式的规范文本
	sentinel error
}

var kinds = map[ErrorKind]kindInfo{
	KindMalformed:   {"malformed", "Invalid or unimplemented command", ErrMalformedCommand},
	KindNoExtension: {"no-extension", "File has no extension", ErrNoExtension},
	KindUnsupported: {"unsupported", "Unsupported file type", ErrUnsupportedExtension},
	KindUnreachable: {"unreachable", "Could not connect to storage node", ErrNodeUnreachable},
	KindNotFound:    {"not-found", "Not found", ErrNotFound},
	KindIO:          {"io", "I/O failure", ErrIOFailure},
	KindWrongOwner:  {"wrong-owner", "File type not served by this node", ErrWrongOwner},
}

func (k ErrorKind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "unknown"
}

func parseKind(name string) ErrorKind {
	for k, info := range kinds {
		if info.name == name {
			return k
		}
	}
	return KindUnknown
}

// RemoteError 是对端通过数据通道发回来的错误
type RemoteError struct {
	Kind   ErrorKind
	Detail string
}

// NewRemoteError 构造一个带细节的错误
func NewRemoteError(kind ErrorKind, format string, args ...any) *RemoteError {
	return &RemoteError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *RemoteError) Error() string {
	text := kinds[e.Kind].text
	switch {
	case text == "":
		return e.Detail
	case e.Detail == "":
		return text
	default:
		return text + ": " + e.Detail
	}
}

// Unwrap 让 errors.Is(err, ErrNotFound) 之类的判断对远端错误也成立
func (e *RemoteError) Unwrap() error {
	return kinds[e.Kind].sentinel
}

// WireText 返回 legacy 模式下的错误行
func (e *RemoteError) WireText() string {
	return ErrorPrefix + ": " + e.Error() + "\n"
}

// KindOf 把本地错误映射到线上类别，未识别的错误一律算 I/O 失败
func KindOf(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	for k, info := range kinds {
		if errors.Is(err, info.sentinel) {
			return k
		}
	}
	return KindIO
}

// AsRemote 把任意错误转换成可以发回对端的 RemoteError
// 非 RemoteError 的错误只保留类别，不把内部路径等细节泄露给客户端
func AsRemote(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Kind: KindOf(err)}
}

// decodeErrorText 是唯一检查原始字节里 "Error" 前缀的地方
// 只有能识别出规范类别的文本才算错误，其余一律当作数据
func decodeErrorText(data []byte) (*RemoteError, bool) {
	s := string(data)
	if !strings.HasPrefix(s, ErrorPrefix) {
		return nil, false
	}
	s = strings.TrimPrefix(s, ErrorPrefix)
	s = strings.TrimLeft(s, ": ")
	s = strings.TrimRight(s, "\r\n")

	for k, info := range kinds {
		if s == info.text {
			return &RemoteError{Kind: k}, true
		}
		if strings.HasPrefix(s, info.text+": ") {
			return &RemoteError{Kind: k, Detail: strings.TrimPrefix(s, info.text+": ")}, true
		}
	}
	return nil, false
}
