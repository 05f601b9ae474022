package cmd

import (
	"context"
	"fmt"
	"time"

	"tubefm/cache"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis 连接测试并显示任务看板",
	Long:  `测试 Redis 连接，并列出任务看板上正在生产的任务。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		client, err := cache.ConnectRedis(cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		fmt.Println("Redis连接成功！")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		jobs, err := cache.ListJobs(ctx, client)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("当前没有正在生产的任务。")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-12s waiters=%d  %s  %s\n",
				j.JobID, j.Stage, j.Waiters, humanize.Time(j.StartedAt), j.SourceURL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
