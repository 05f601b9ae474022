package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"tubefm/model"
	"tubefm/server"
	"tubefm/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "本地曲库管理",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "列出已缓存的音频",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openLocal()
		if err != nil {
			return err
		}
		defer closeLocal(app)

		entries := app.Store.Entries()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tFORMAT\tSIZE\tDURATION\tLAST ACCESS\tSOURCE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Key, e.Format, humanize.IBytes(uint64(e.Size)),
				time.Duration(float64(e.Duration)*float64(time.Second)).Round(time.Second),
				humanize.Time(e.LastAccess), e.SourceURL)
		}
		w.Flush()

		used, count := app.Store.Usage()
		fmt.Printf("\n共 %d 条，%s (上限 %s)\n", count, humanize.IBytes(uint64(used)), limitString(cfg.StoreMaxBytes))
		return nil
	},
}

var cacheEvictAll bool

var cacheEvictCmd = &cobra.Command{
	Use:   "evict [key]...",
	Short: "删除指定条目，或按淘汰策略清理",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openLocal()
		if err != nil {
			return err
		}
		defer closeLocal(app)

		if cacheEvictAll {
			for _, e := range app.Store.Entries() {
				args = append(args, string(e.Key))
			}
		}
		if len(args) == 0 {
			evicted := app.Store.Enforce()
			fmt.Printf("按策略淘汰了 %d 条\n", len(evicted))
			return nil
		}
		for _, key := range args {
			if err := app.Store.Evict(model.CacheKey(key)); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					fmt.Fprintf(os.Stderr, "%s: 不存在\n", key)
					continue
				}
				return fmt.Errorf("evict %s: %w", key, err)
			}
			fmt.Printf("已删除 %s\n", key)
		}
		return nil
	},
}

var cacheRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "重新扫描曲库目录，清理不完整的条目",
	RunE: func(cmd *cobra.Command, args []string) error {
		// NewApp 已经执行过一次恢复
		app, err := openLocal()
		if err != nil {
			return err
		}
		defer closeLocal(app)

		used, count := app.Store.Usage()
		fmt.Printf("曲库 %s: %d 条有效，共 %s\n", app.Store.Root(), count, humanize.IBytes(uint64(used)))
		return nil
	},
}

func openLocal() (*server.App, error) {
	return server.NewApp(cfg, server.AppOptions{})
}

func closeLocal(app *server.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.Close(ctx)
}

func limitString(n int64) string {
	if n <= 0 {
		return "无"
	}
	return humanize.IBytes(uint64(n))
}

func init() {
	cacheEvictCmd.Flags().BoolVar(&cacheEvictAll, "all", false, "删除全部条目")
	cacheCmd.AddCommand(cacheLsCmd, cacheEvictCmd, cacheRecoverCmd)
	rootCmd.AddCommand(cacheCmd)
}
