package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tubefm/core/process"
	"tubefm/logger"
	"tubefm/model"
)

const (
	maxRetrieveRetries = 3
	rawBaseName        = "source"
)

// RetrieverOptions 配置 yt-dlp 下载行为
type RetrieverOptions struct {
	YtDlpPath string
	ExtraArgs []string
	Timeout   time.Duration
	Retries   int           // 超时后的重试次数，上限 3
	Backoff   time.Duration // 第一次重试前的等待，之后翻倍
}

// Retriever 用 yt-dlp 下载来源的最佳音频流
type Retriever struct {
	runner process.Runner
	opts   RetrieverOptions
}

// NewRetriever 创建下载器
func NewRetriever(runner process.Runner, opts RetrieverOptions) *Retriever {
	if opts.YtDlpPath == "" {
		opts.YtDlpPath = "yt-dlp"
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Retries > maxRetrieveRetries {
		opts.Retries = maxRetrieveRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	return &Retriever{runner: runner, opts: opts}
}

func (r *Retriever) command(sourceURL, destDir string) process.Command {
	args := []string{
		"-f", "bestaudio/best",
		"--no-playlist",
		"--no-part",
		"--no-progress",
		"--no-mtime",
		"--restrict-filenames",
		"-o", filepath.Join(destDir, rawBaseName+".%(ext)s"),
	}
	args = append(args, r.opts.ExtraArgs...)
	// "--" 之后的参数不会被当作选项解析
	args = append(args, "--", sourceURL)
	return process.Command{Path: r.opts.YtDlpPath, Args: args, Timeout: r.opts.Timeout}
}

// Retrieve 下载音频到 destDir/source.<ext>。
// 只有超时会重试，其他失败直接返回。
func (r *Retriever) Retrieve(ctx context.Context, sourceURL, destDir string) (*RawMedia, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, model.NewError(model.KindStoreIO, "retrieve", err, "")
	}

	cmd := r.command(sourceURL, destDir)
	backoff := r.opts.Backoff

	for attempt := 0; ; attempt++ {
		// 上一次被杀掉的下载可能留下半个文件
		removeRaw(destDir)

		res := r.runner.Run(ctx, cmd)
		if res.OK() {
			raw, err := collectRaw(destDir)
			if err != nil {
				return nil, err
			}
			raw.Attempts = attempt + 1
			logger.Info("音频下载完成",
				logger.String("source", sourceURL),
				logger.String("ext", raw.Ext),
				logger.Int64("size", raw.Size),
				logger.Int("attempts", raw.Attempts))
			return raw, nil
		}

		if res.Outcome != process.Timeout || attempt >= r.opts.Retries {
			removeRaw(destDir)
			return nil, res.AsError("retrieve")
		}

		logger.Warn("下载超时，准备重试",
			logger.String("source", sourceURL),
			logger.Int("attempt", attempt+1),
			logger.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			removeRaw(destDir)
			return nil, model.NewError(model.KindCanceled, "retrieve", ctx.Err(), "")
		}
		backoff *= 2
	}
}

// collectRaw 检查恰好生成了一个非空的 source.* 文件
func collectRaw(dir string) (*RawMedia, error) {
	matches, err := filepath.Glob(filepath.Join(dir, rawBaseName+".*"))
	if err != nil {
		return nil, model.NewError(model.KindStoreIO, "retrieve", err, "")
	}

	var found []string
	for _, m := range matches {
		// yt-dlp 的临时文件不算
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		found = append(found, m)
	}
	if len(found) != 1 {
		return nil, model.Errorf(model.KindIncompleteOutput, "retrieve",
			"expected one downloaded file, found %d", len(found))
	}

	info, err := os.Stat(found[0])
	if err != nil {
		return nil, model.NewError(model.KindIncompleteOutput, "retrieve", err, "")
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, model.NewError(model.KindIncompleteOutput, "retrieve",
			errors.New("downloaded file is empty"), "")
	}

	return &RawMedia{
		Path: found[0],
		Size: info.Size(),
		Ext:  strings.TrimPrefix(filepath.Ext(found[0]), "."),
	}, nil
}

func removeRaw(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, rawBaseName+".*"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			logger.Warn("清理残留下载文件失败", logger.String("path", m), logger.ErrorField(err))
		}
	}
}
