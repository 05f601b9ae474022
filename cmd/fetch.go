package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"tubefm/server"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var fetchTimeout time.Duration

var fetchCmd = &cobra.Command{
	Use:   "fetch <video-id|url>...",
	Short: "预先下载并转码到本地曲库",
	Long:  `不启动 HTTP 服务，直接把一个或多个来源生产到本地曲库，已缓存的来源会直接跳过。`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := server.NewApp(cfg, server.AppOptions{Integrations: true})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			app.Close(ctx)
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		failed := 0
		for _, src := range args {
			reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
			start := time.Now()
			entry, err := app.Coordinator.GetOrProduce(reqCtx, src)
			cancel()
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", src, err)
				continue
			}
			fmt.Printf("✓ %s\n  key=%s format=%s size=%s duration=%.1fs (%s)\n",
				src, entry.Key, entry.Format, humanize.IBytes(uint64(entry.Size)), entry.Duration,
				time.Since(start).Round(time.Millisecond))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sources failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 15*time.Minute, "每个来源的最长等待时间")
	rootCmd.AddCommand(fetchCmd)
}
