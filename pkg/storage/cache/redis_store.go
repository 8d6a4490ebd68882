package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"extvault/pkg/storage"

	"github.com/redis/go-redis/v9"
)

// CachedStore 是一个装饰器，它为底层的 storage.Store 添加 Redis 缓存层
// 缓存两类元数据：文件是否存在 (Has) 和目录列表 (List)。
// 文件内容不缓存。
type CachedStore struct {
	backend   storage.Store // 被装饰的底层存储 (如 S3)
	client    *redis.Client
	ttl       time.Duration
	namespace string // 每个节点一个命名空间，避免共享 Redis 时冲突
}

type Config struct {
	RedisURL  string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL       time.Duration // 过期时间
	Namespace string        // 例如 "S2"
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newCachedStore(backend, client, cfg), nil
}

func newCachedStore(backend storage.Store, client *redis.Client, cfg Config) *CachedStore {
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &CachedStore{
		backend:   backend,
		client:    client,
		ttl:       cfg.TTL,
		namespace: ns,
	}
}

// Close 关闭 Redis 连接
func (s *CachedStore) Close() error {
	return s.client.Close()
}

func (s *CachedStore) hasKey(key string) string {
	return "ev:" + s.namespace + ":has:" + key
}

func (s *CachedStore) listKey(dir string) string {
	return "ev:" + s.namespace + ":ls:" + dir
}

// invalidate 删除与 key 相关的缓存：文件本身以及它所在目录的列表
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return
	}
	dir := path.Dir(cleaned)
	if err := s.client.Del(ctx, s.hasKey(cleaned), s.listKey(dir)).Err(); err != nil {
		// 失效失败只会让列表在 TTL 内过期，不能影响写入
		slog.Warn("redis invalidate failed", "key", cleaned, "err", err)
	}
}

// Has 优先查 Redis
func (s *CachedStore) Has(ctx context.Context, key string) (bool, error) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return false, err
	}
	rk := s.hasKey(cleaned)

	// 1. 查 Redis
	val, err := s.client.Exists(ctx, rk).Result()
	if err != nil {
		// 缓存故障降级：Redis 挂了就直接查底层存储
		slog.Warn("redis error, falling back to backend", "op", "has", "err", err)
	} else if val > 0 {
		return true, nil
	}

	// 2. 缓存未命中，查底层存储
	found, err := s.backend.Has(ctx, cleaned)
	if err != nil {
		return false, err
	}

	// 3. 缓存回填 (只缓存存在的结果)
	if found {
		if err := s.client.Set(ctx, rk, "1", s.ttl).Err(); err != nil {
			slog.Warn("redis fill failed", "op", "has", "err", err)
		}
	}
	return found, nil
}

// Put 穿透到底层存储，成功后让缓存失效
func (s *CachedStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	n, err := s.backend.Put(ctx, key, r)
	if err != nil {
		return n, err
	}
	s.invalidate(ctx, key)
	return n, nil
}

// Delete 穿透到底层存储，不论成功与否都让缓存失效
func (s *CachedStore) Delete(ctx context.Context, key string) error {
	err := s.backend.Delete(ctx, key)
	s.invalidate(ctx, key)
	return err
}

// Get 透传 - 不缓存文件内容
func (s *CachedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}

// Walk 透传
func (s *CachedStore) Walk(ctx context.Context, fn func(storage.Entry) error) error {
	return s.backend.Walk(ctx, fn)
}

// List 缓存目录列表，名字用 '\n' 拼接存成一个字符串
func (s *CachedStore) List(ctx context.Context, dir string) ([]string, error) {
	cleaned, err := storage.CleanKey(dir)
	if err != nil {
		return nil, err
	}
	rk := s.listKey(cleaned)

	val, err := s.client.Get(ctx, rk).Result()
	switch {
	case err == nil:
		if val == "" {
			return []string{}, nil
		}
		return strings.Split(val, "\n"), nil
	case errors.Is(err, redis.Nil):
		// miss
	default:
		slog.Warn("redis error, falling back to backend", "op", "list", "err", err)
	}

	names, err := s.backend.List(ctx, cleaned)
	if err != nil {
		// 不存在的目录不缓存
		return nil, err
	}
	if err := s.client.Set(ctx, rk, strings.Join(names, "\n"), s.ttl).Err(); err != nil {
		slog.Warn("redis fill failed", "op", "list", "err", err)
	}
	return names, nil
}
