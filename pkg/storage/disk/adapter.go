package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"extvault/pkg/storage"
)

// TempPattern 是原子写入时临时文件的名字模式，随机部分在前，
// 后缀 .ev-tmp 不属于任何类别，ignore 的默认规则也会隐藏它们
const TempPattern = "*.ev-tmp"

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	rootPath string // 比如: /home/user/S2
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	// 确保根目录存在
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// Root 返回根目录
func (s *Adapter) Root() string { return s.rootPath }

// layout 返回 key 对应的物理路径
func (s *Adapter) layout(key string) (string, error) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.rootPath, filepath.FromSlash(cleaned)), nil
}

// fileLayout 和 layout 一样，但不接受根目录本身
func (s *Adapter) fileLayout(key string) (string, error) {
	p, err := s.layout(key)
	if err != nil {
		return "", err
	}
	if p == filepath.Clean(s.rootPath) {
		return "", fmt.Errorf("%w: empty file key", storage.ErrInvalidPath)
	}
	return p, nil
}

func (s *Adapter) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	targetPath, err := s.fileLayout(key)
	if err != nil {
		return 0, err
	}

	// 1. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}

	// 2. 原子写入 (Atomic Write)
	// 先写到一个临时文件，然后 Rename。
	// 这样保证要么文件不存在 (或是旧版本)，要么文件是完整的。
	tempFile, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return 0, err
	}
	// 成功 Rename 之后这个删除无害
	defer os.Remove(tempFile.Name())

	n, err := io.Copy(tempFile, r)
	if err != nil {
		tempFile.Close()
		return n, err
	}
	if err := tempFile.Close(); err != nil { // 必须先关闭才能 Rename
		return n, err
	}
	if err := os.Chmod(tempFile.Name(), 0644); err != nil {
		return n, err
	}

	// 3. 移动到最终位置，覆盖旧文件
	if err := os.Rename(tempFile.Name(), targetPath); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Adapter) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	targetPath, err := s.fileLayout(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(targetPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, storage.ErrNotFound
	}

	f, err := os.Open(targetPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) Delete(ctx context.Context, key string) error {
	targetPath, err := s.fileLayout(key)
	if err != nil {
		return err
	}

	info, err := os.Lstat(targetPath)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	// 只删文件，目录不归 removef 管
	if info.IsDir() {
		return storage.ErrNotFound
	}
	if err := os.Remove(targetPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Adapter) Has(ctx context.Context, key string) (bool, error) {
	targetPath, err := s.fileLayout(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(targetPath)
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *Adapter) List(ctx context.Context, dir string) ([]string, error) {
	dirPath, err := s.layout(dir)
	if err != nil {
		return nil, err
	}

	// 不存在或者不是目录都算找不到
	info, err := os.Stat(dirPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, storage.ErrNotFound
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Adapter) Walk(ctx context.Context, fn func(storage.Entry) error) error {
	return filepath.WalkDir(s.rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// 遍历期间被删除 (例如网关 purge)
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.rootPath, p)
		if err != nil {
			return err
		}
		return fn(storage.Entry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	})
}
