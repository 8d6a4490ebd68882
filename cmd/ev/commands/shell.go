package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"extvault/pkg/client"

	"github.com/spf13/cobra"
)

const shellPrompt = "ev$ "

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session speaking the wire verbs on one connection",
	Long: `Commands:
  uploadf <file> <dest>   downlf <path>   removef <path>
  downltar <.c|.pdf|.txt> dispfnames <dir>   exit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		fmt.Fprintln(cmd.OutOrStdout(), "🔌 Connected to gateway. Type 'exit' to quit.")
		return runShell(cmd.Context(), c, cmd.InOrStdin(), cmd.OutOrStdout(), ".")
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

// runShell 逐行读取命令直到 exit 或输入结束
// 单条命令失败只打印错误，会话继续
func runShell(ctx context.Context, c *client.Client, in io.Reader, out io.Writer, dir string) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, shellPrompt)
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return nil
		}
		if err := shellExec(ctx, c, out, dir, fields); err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
		}
	}
}

func shellExec(ctx context.Context, c *client.Client, out io.Writer, dir string, fields []string) error {
	ctx, cancel := commandContext(ctx)
	defer cancel()

	need := func(n int) error {
		if len(fields)-1 < n {
			return fmt.Errorf("%s needs %d argument(s)", fields[0], n)
		}
		return nil
	}
	switch fields[0] {
	case "uploadf":
		if err := need(2); err != nil {
			return err
		}
		return uploadFile(ctx, c, out, fields[1], fields[2])
	case "downlf":
		if err := need(1); err != nil {
			return err
		}
		return downloadFile(ctx, c, out, fields[1], dir)
	case "removef":
		if err := need(1); err != nil {
			return err
		}
		return removeFile(ctx, c, out, fields[1])
	case "downltar":
		if err := need(1); err != nil {
			return err
		}
		return downloadTar(ctx, c, out, fields[1], dir, false)
	case "dispfnames":
		if err := need(1); err != nil {
			return err
		}
		return listNames(ctx, c, out, fields[1])
	default:
		return fmt.Errorf("invalid command %q", fields[0])
	}
}
