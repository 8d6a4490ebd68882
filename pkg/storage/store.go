package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("object not found")
	// ErrInvalidPath 表示 key 会逃出存储根目录
	ErrInvalidPath = errors.New("invalid storage path")
)

// Entry 是 Walk 遍历到的一个文件
type Entry struct {
	Path    string // 相对于根的 slash 路径
	Size    int64
	ModTime time.Time
}

// Store defines the interface for a storage backend.
// key 一律是相对于节点根目录的 slash 路径 (例如 "docs/notes.txt")。
// Implementations can be local disk, S3 compatible object storage, or a cache decorator.
type Store interface {
	// Put 以流的方式写入 key，已存在则覆盖 (last-write-wins)
	// 写入是原子的：读者要么看到旧内容，要么看到完整的新内容
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get 返回 io.ReadCloser 以支持大文件流式读取
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete 删除 key，不存在时返回 ErrNotFound
	Delete(ctx context.Context, key string) error

	// Has 检查文件是否存在
	Has(ctx context.Context, key string) (bool, error)

	// List 返回目录下直接包含的普通文件名 (不递归，不含子目录)
	// 目录不存在时返回 ErrNotFound
	List(ctx context.Context, dir string) ([]string, error)

	// Walk 递归遍历根目录下的所有文件，顺序按路径排序
	Walk(ctx context.Context, fn func(Entry) error) error
}

// CleanKey 规范化 key，拒绝 ".."
// 空 key 和根目录都规范成 "."，只有 List 接受它
func CleanKey(key string) (string, error) {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return ".", nil
	}
	return cleaned, nil
}
