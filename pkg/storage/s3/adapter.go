package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"extvault/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Adapter 实现了 storage.Store 接口
// 每个节点在同一个 bucket 里占用一个前缀 (例如 "S2/")
type Adapter struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewAdapter 初始化 S3 客户端 (适配 AWS SDK v2 最新规范)
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	// 1. 加载基础配置 (仅包含 Region 和 Credentials)
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 创建 S3 客户端时，注入特定于 S3 的配置
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 如果指定了 Endpoint (比如 MinIO 的 localhost:9000)，则覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须强制使用 Path Style
		o.UsePathStyle = true
	})

	// 3. 自动创建 Bucket
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket})
	if err != nil {
		_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &cfg.Bucket})
		if err != nil {
			// 并发创建或权限问题，继续运行，真正的错误会在第一次读写时暴露
			slog.Warn("failed to ensure bucket exists", "bucket", cfg.Bucket, "err", err)
		}
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &Adapter{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// objectKey 把相对路径转换为 bucket 里的 key
func (s *Adapter) objectKey(key string) (string, error) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	if cleaned == "." {
		return "", fmt.Errorf("%w: empty file key", storage.ErrInvalidPath)
	}
	return s.prefix + cleaned, nil
}

// dirPrefix 返回目录对应的 key 前缀 (以 "/" 结尾，根目录就是节点前缀)
func (s *Adapter) dirPrefix(dir string) (string, error) {
	cleaned, err := storage.CleanKey(dir)
	if err != nil {
		return "", err
	}
	if cleaned == "." {
		return s.prefix, nil
	}
	return s.prefix + cleaned + "/", nil
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	// 兼容性：某些 S3 实现可能返回 generic 404 error string
	return strings.Contains(err.Error(), "StatusCode: 404")
}

// Put 上传对象，覆盖同名 key
func (s *Adapter) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return 0, err
	}

	// SDK 需要可 Seek 的 Body 来计算校验和，所以先读进内存
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 put failed: %w", err)
	}
	return int64(len(data)), nil
}

// Get 下载对象
func (s *Adapter) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		// 将 AWS 的 NoSuchKey 错误映射为我们自己的 ErrNotFound
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	return resp.Body, nil
}

// Delete 删除对象
// S3 的 DeleteObject 对不存在的 key 也返回成功，所以先 Head 一次
func (s *Adapter) Delete(ctx context.Context, key string) error {
	exists, err := s.Has(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}

	objKey, _ := s.objectKey(key)
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

// Has 检查对象是否存在
func (s *Adapter) Has(ctx context.Context, key string) (bool, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// List 用 Delimiter 模拟目录：只返回这一层的对象
// 既没有对象也没有子前缀的目录视为不存在
func (s *Adapter) List(ctx context.Context, dir string) ([]string, error) {
	prefix, err := s.dirPrefix(dir)
	if err != nil {
		return nil, err
	}

	var (
		names    []string
		children int
	)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed: %w", err)
		}
		children += len(page.CommonPrefixes)
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			names = append(names, name)
		}
	}

	// 节点根目录总是存在
	if len(names) == 0 && children == 0 && prefix != s.prefix {
		return nil, storage.ErrNotFound
	}
	sort.Strings(names)
	return names, nil
}

// Walk 递归遍历节点前缀下的所有对象 (S3 按 key 字典序返回)
func (s *Adapter) Walk(ctx context.Context, fn func(storage.Entry) error) error {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			entry := storage.Entry{
				Path: path.Clean(rel),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				entry.ModTime = *obj.LastModified
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
	return nil
}
