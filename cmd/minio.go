package cmd

import (
	"context"
	"fmt"
	"time"

	"tubefm/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var minioStats bool

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "查看 MinIO 远端镜像",
	Long:  `列出 MinIO 存储桶中镜像的音频文件，或只显示统计信息。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		mirror, err := storage.NewMinioMirror(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}

		objects, stats, err := mirror.List(ctx)
		if err != nil {
			return err
		}
		if !minioStats {
			for _, o := range objects {
				fmt.Printf("%-10s %s  %s\n", humanize.IBytes(uint64(o.Size)), o.LastModified.Format("2006-01-02 15:04"), o.Key)
			}
			fmt.Println()
		}
		fmt.Printf("对象数: %d\n总大小: %s\n", stats.TotalObjects, humanize.IBytes(uint64(stats.TotalSize)))
		if !stats.LastModified.IsZero() {
			fmt.Printf("最后修改: %s\n", humanize.Time(stats.LastModified))
		}
		return nil
	},
}

func init() {
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "只显示存储桶统计信息")
	rootCmd.AddCommand(minioCmd)
}
