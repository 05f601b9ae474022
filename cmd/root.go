package cmd

import (
	"fmt"
	"os"

	"tubefm/config"
	"tubefm/logger"
	"tubefm/server"

	"github.com/spf13/cobra"
)

// cfg 在 PersistentPreRun 中加载，所有子命令共用
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tubefm",
	Short: "tubefm turns online videos into cached, seekable audio streams.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(cfg.LogLevel),
			OutputPath: cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			Console:    cfg.LogConsole,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start(cfg)
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
