package commands

import (
	"context"

	"extvault/pkg/client"

	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [file] [dest]",
	Short: "Upload a local file to a gateway path (e.g. ~S1/docs)",
	Long: `Upload a .c, .pdf, .txt or .zip file. The gateway keeps .c files and
routes the others to the storage node that owns the extension.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return uploadFile(ctx, c, cmd.OutOrStdout(), args[0], args[1])
		})
	},
}

var downloadOut string

var downloadCmd = &cobra.Command{
	Use:   "download [path]",
	Short: "Download a file (e.g. ~S1/docs/notes.txt)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return downloadFile(ctx, c, cmd.OutOrStdout(), args[0], downloadOut)
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm [paths...]",
	Short: "Remove files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			// 一条连接上依次删除，遇到第一个错误就停
			for _, p := range args {
				if err := removeFile(ctx, c, cmd.OutOrStdout(), p); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var (
	tarOut  string
	tarList bool
)

var tarCmd = &cobra.Command{
	Use:   "tar [.c|.pdf|.txt]",
	Short: "Download every file of one type as a tar archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return downloadTar(ctx, c, cmd.OutOrStdout(), args[0], tarOut, tarList)
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List the merged file names of a directory (default ~S1)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "~S1"
		if len(args) == 1 {
			dir = args[0]
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return listNames(ctx, c, cmd.OutOrStdout(), dir)
		})
	},
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", ".", "directory to save into")
	tarCmd.Flags().StringVarP(&tarOut, "out", "o", ".", "directory to save into")
	tarCmd.Flags().BoolVarP(&tarList, "list", "t", false, "print the archive contents after download")

	rootCmd.AddCommand(uploadCmd, downloadCmd, rmCmd, tarCmd, lsCmd)
}
