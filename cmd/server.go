package cmd

import (
	"tubefm/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 HTTP 服务",
	Long:  `启动音频流服务：/youtube/{id} 和 /stream?src= 按需下载、转码并缓存，支持 Range 请求。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
