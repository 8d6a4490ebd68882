package commands

import (
	"context"
	"fmt"
	"os"

	"extvault/pkg/client"
	"extvault/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "ev",
	Short:        "extvault: extension-routed distributed file store",
	SilenceUsage: true,
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ev/config.yaml)")

	// 既可以在 yaml 里写，也可以用参数覆盖
	rootCmd.PersistentFlags().String("gateway", "", "gateway address (host:port)")
	rootCmd.PersistentFlags().String("framing", "", "wire framing: legacy or framed")
	rootCmd.PersistentFlags().Duration("timeout", 0, "per-command timeout (0 = none)")
	for key, flag := range map[string]string{
		"client.gateway":   "gateway",
		"protocol.framing": "framing",
		"client.timeout":   "timeout",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Println("Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}

// connect 按配置连接网关
func connect(ctx context.Context) (*client.Client, error) {
	popts, err := config.ProtocolOptions()
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, viper.GetString("client.gateway"), client.Options{Protocol: popts})
}

// commandContext 为单条命令加上 client.timeout
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	if d := viper.GetDuration("client.timeout"); d > 0 {
		return context.WithTimeout(parent, d)
	}
	return context.WithCancel(parent)
}

// withClient 连接网关、执行 fn、关闭连接
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
