package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"extvault/pkg/protocol"

	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值 (Defaults)
	SetDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 -> ./.ev -> ~/.ev
		viper.AddConfigPath(".")
		viper.AddConfigPath(".ev")
		viper.AddConfigPath(filepath.Join(home, ".ev"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (EV_GATEWAY_ADDR、EV_NODES_PDF_ROOT 等)
	viper.SetEnvPrefix("EV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错，默认值 + 环境变量足够跑起来；格式错误才是错
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "⚠️  No config file found, using defaults/env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "🔧 Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// SetDefaults 写入所有默认值，测试里 viper.Reset() 之后也可以单独调用
func SetDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	// 网关 (本地保存 .c)
	viper.SetDefault("gateway.addr", ":1221")
	viper.SetDefault("gateway.root", filepath.Join(home, "S1"))
	viper.SetDefault("gateway.marker", "~S1")
	viper.SetDefault("gateway.dial_timeout", "5s")
	viper.SetDefault("gateway.sweep_interval", "1m")
	viper.SetDefault("gateway.sweep_min_age", "30s")

	// 存储节点
	nodes := []struct{ class, port, dir string }{
		{"pdf", "1202", "S2"},
		{"txt", "1203", "S3"},
		{"zip", "1206", "S4"},
	}
	for _, n := range nodes {
		viper.SetDefault("nodes."+n.class+".addr", "127.0.0.1:"+n.port)
		viper.SetDefault("nodes."+n.class+".root", filepath.Join(home, n.dir))
		viper.SetDefault("nodes."+n.class+".marker", "~"+n.dir)
	}

	// 协议
	viper.SetDefault("protocol.framing", "legacy")
	viper.SetDefault("protocol.chunk_size", 4096)

	// 存储后端
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.s3.region", "us-east-1")

	// 缓存 (redis_url 为空表示不启用)
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.ttl", "1m")

	// 上传日志
	viper.SetDefault("journal.driver", "sqlite")
	viper.SetDefault("journal.dsn", filepath.Join(home, "S1", ".ev", "journal.db"))
	viper.SetDefault("journal.postgres.host", "localhost")
	viper.SetDefault("journal.postgres.port", 5432)
	viper.SetDefault("journal.postgres.sslmode", "disable")

	// TCP 服务
	viper.SetDefault("server.accept_rate", 0)
	viper.SetDefault("server.accept_burst", 64)
	viper.SetDefault("server.idle_timeout", "0s")

	// admin 为空表示不启动 gRPC 健康检查
	viper.SetDefault("admin.addr", "")
	viper.SetDefault("admin.probe_interval", "10s")

	// 追加到 .evignore 之外的忽略规则
	viper.SetDefault("ignore.patterns", []string{})

	// 客户端
	viper.SetDefault("client.gateway", "127.0.0.1:1221")
	viper.SetDefault("client.timeout", "0s")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

// ProtocolOptions 读取 protocol.* ，网关、节点、客户端必须一致
func ProtocolOptions() (protocol.Options, error) {
	framing, err := protocol.ParseFraming(viper.GetString("protocol.framing"))
	if err != nil {
		return protocol.Options{}, err
	}
	chunk := viper.GetInt("protocol.chunk_size")
	if chunk <= 0 {
		return protocol.Options{}, fmt.Errorf("protocol.chunk_size must be positive, got %d", chunk)
	}
	return protocol.Options{Framing: framing, ChunkSize: chunk}, nil
}
