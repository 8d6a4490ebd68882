package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"extvault/pkg/exporter"
	"extvault/pkg/ignore"
	"extvault/pkg/protocol"
	"extvault/pkg/storage"
	"extvault/pkg/types"
)

// Config 描述一个存储节点负责的命名空间
type Config struct {
	Class    types.ExtensionClass
	Marker   string // 例如 "~S2"
	Protocol protocol.Options
}

// Handler 实现存储节点的五个操作
// 网关对 ClassLocal 也直接使用一个 Handler，所以低层方法不依赖连接
type Handler struct {
	cfg      Config
	store    storage.Store
	matcher  *ignore.Matcher
	archiver *exporter.Exporter
	logger   *slog.Logger
}

// NewHandler 组装 Handler；matcher 和 logger 可以为 nil
func NewHandler(cfg Config, store storage.Store, matcher *ignore.Matcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	chunk := cfg.Protocol.ChunkSize
	if chunk <= 0 {
		chunk = protocol.DefaultChunkSize
	}
	return &Handler{
		cfg:      cfg,
		store:    store,
		matcher:  matcher,
		archiver: exporter.NewExporter(store, matcher, chunk),
		logger:   logger.With("class", cfg.Class.String(), "marker", cfg.Marker),
	}
}

// Class 返回节点负责的类别
func (h *Handler) Class() types.ExtensionClass { return h.cfg.Class }

// Marker 返回节点的虚拟根标记
func (h *Handler) Marker() string { return h.cfg.Marker }

// Store 返回底层存储
func (h *Handler) Store() storage.Store { return h.store }

// checkOwner 确认文件名的后缀属于本节点
func (h *Handler) checkOwner(name string) error {
	class, err := protocol.ExtensionOf(name)
	if err != nil {
		return err
	}
	if class != h.cfg.Class {
		return protocol.NewRemoteError(protocol.KindWrongOwner, "%s", name)
	}
	return nil
}

// resolve 把逻辑路径转换成存储 key
func (h *Handler) resolve(p types.LogicalPath) (string, error) {
	return protocol.Relative(p, h.cfg.Marker)
}

// mapStoreErr 把存储层错误映射到协议错误类别
func mapStoreErr(err error, notFoundDetail string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return protocol.NewRemoteError(protocol.KindNotFound, "%s", notFoundDetail)
	case errors.Is(err, storage.ErrInvalidPath):
		return fmt.Errorf("%w: %v", protocol.ErrMalformedCommand, err)
	default:
		return fmt.Errorf("%w: %v", protocol.ErrIOFailure, err)
	}
}

// Save 把 r 的内容写到 dest 目录下的 name，必要时创建中间目录
func (h *Handler) Save(ctx context.Context, name string, dest types.LogicalPath, r io.Reader) (string, int64, error) {
	if err := h.checkOwner(name); err != nil {
		return "", 0, err
	}
	dir, err := h.resolve(dest)
	if err != nil {
		return "", 0, err
	}
	// 先拼接再检查，name 里的 ".." 也会被拒绝
	key, err := protocol.Relative(types.LogicalPath(dir+"/"+name), "")
	if err != nil {
		return "", 0, err
	}

	n, err := h.store.Put(ctx, key, r)
	if err != nil {
		return key, n, mapStoreErr(err, name)
	}
	return key, n, nil
}

// Open 打开一个文件用于下载
func (h *Handler) Open(ctx context.Context, p types.LogicalPath) (io.ReadCloser, error) {
	if err := h.checkOwner(string(p)); err != nil {
		return nil, err
	}
	key, err := h.resolve(p)
	if err != nil {
		return nil, err
	}
	rc, err := h.store.Get(ctx, key)
	if err != nil {
		// 只报文件名，节点自己的标记不回传给网关的客户端
		return nil, mapStoreErr(err, path.Base(key))
	}
	return rc, nil
}

// Remove 删除一个文件
func (h *Handler) Remove(ctx context.Context, p types.LogicalPath) error {
	if err := h.checkOwner(string(p)); err != nil {
		return err
	}
	key, err := h.resolve(p)
	if err != nil {
		return err
	}
	return mapStoreErr(h.store.Delete(ctx, key), path.Base(key))
}

// Names 返回目录下属于本节点类别的文件名 (不递归)
// 目录不存在时返回 NotFound
func (h *Handler) Names(ctx context.Context, dir types.LogicalPath) ([]string, error) {
	rel, err := h.resolve(dir)
	if err != nil {
		return nil, err
	}
	all, err := h.store.List(ctx, rel)
	if err != nil {
		return nil, mapStoreErr(err, "directory")
	}

	ext := h.cfg.Class.Extension()
	names := make([]string, 0, len(all))
	for _, name := range h.matcher.Filter(rel, all) {
		if path.Ext(name) == ext {
			names = append(names, name)
		}
	}
	return names, nil
}

// CountArchive 返回归档会包含的文件数
func (h *Handler) CountArchive(ctx context.Context) (int, error) {
	return h.archiver.Count(ctx, h.cfg.Class.Extension())
}

// WriteArchive 把本节点所有文件打包写入 w
func (h *Handler) WriteArchive(ctx context.Context, w io.Writer) (exporter.Stats, error) {
	return h.archiver.WriteArchive(ctx, w, h.cfg.Class.Extension())
}

// OpenArchive 返回边打包边读取的归档流，调用方必须 Close
func (h *Handler) OpenArchive(ctx context.Context) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := h.WriteArchive(ctx, pw)
		pw.CloseWithError(err)
	}()
	return pr
}

// removedMessage 和老版本节点的回复保持一致，例如 "PDF file removed successfully."
func (h *Handler) removedMessage() string {
	if h.cfg.Class == types.ClassLocal {
		return protocol.MsgRemoved
	}
	return strings.ToUpper(h.cfg.Class.String()) + " file removed successfully."
}
