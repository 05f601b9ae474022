package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tubefm/core/process"
	"tubefm/logger"
	"tubefm/model"
)

// Profile 一种输出格式的编码参数
type Profile struct {
	Format      string
	Ext         string
	ContentType string
	Codec       string
	Muxer       string
	SampleRate  int
	Channels    int
	ExtraArgs   []string
}

var profiles = map[string]Profile{
	"mp3": {
		Format: "mp3", Ext: "mp3", ContentType: "audio/mpeg",
		Codec: "libmp3lame", Muxer: "mp3", SampleRate: 44100, Channels: 2,
	},
	"m4a": {
		Format: "m4a", Ext: "m4a", ContentType: "audio/mp4",
		Codec: "aac", Muxer: "mp4", SampleRate: 44100, Channels: 2,
		// moov atom 放在文件头，浏览器可以边下边播
		ExtraArgs: []string{"-movflags", "+faststart"},
	},
	"ogg": {
		Format: "ogg", Ext: "ogg", ContentType: "audio/ogg",
		Codec: "libopus", Muxer: "ogg", SampleRate: 48000, Channels: 2,
	},
}

// LookupProfile 返回格式对应的编码参数
func LookupProfile(format string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(format)]
	return p, ok
}

// Formats 列出支持的输出格式
func Formats() []string {
	out := make([]string, 0, len(profiles))
	for f := range profiles {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ContentTypeFor 根据格式返回 MIME 类型，未知格式返回 application/octet-stream
func ContentTypeFor(format string) string {
	if p, ok := LookupProfile(format); ok {
		return p.ContentType
	}
	return "application/octet-stream"
}

// TranscoderOptions 配置 ffmpeg 转码
type TranscoderOptions struct {
	FFmpegPath string
	Bitrate    string
	Timeout    time.Duration
	Prober     Prober // 可选，配置后校验输出时长
}

// Transcoder 用 ffmpeg 把下载结果转成固定的可播放格式
type Transcoder struct {
	runner process.Runner
	opts   TranscoderOptions
}

// NewTranscoder 创建转码器
func NewTranscoder(runner process.Runner, opts TranscoderOptions) *Transcoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "192k"
	}
	return &Transcoder{runner: runner, opts: opts}
}

func (t *Transcoder) command(rawPath, outPath string, p Profile) process.Command {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-i", rawPath,
		"-vn",
		"-map_metadata", "-1",
		"-c:a", p.Codec,
		"-b:a", t.opts.Bitrate,
		"-ar", fmt.Sprint(p.SampleRate),
		"-ac", fmt.Sprint(p.Channels),
	}
	args = append(args, p.ExtraArgs...)
	args = append(args, "-f", p.Muxer, "-y", outPath)
	return process.Command{Path: t.opts.FFmpegPath, Args: args, Timeout: t.opts.Timeout}
}

// Transcode 把 rawPath 转成 format，输出到同目录下的 track.<ext>
func (t *Transcoder) Transcode(ctx context.Context, rawPath, format string) (*EncodedMedia, error) {
	p, ok := LookupProfile(format)
	if !ok {
		return nil, model.Errorf(model.KindInvalidInput, "transcode", "unsupported format %q", format)
	}

	dir := filepath.Dir(rawPath)
	outPath := filepath.Join(dir, "track."+p.Ext)
	tmpPath := filepath.Join(dir, ".track."+p.Ext+".tmp")
	defer os.Remove(tmpPath)

	res := t.runner.Run(ctx, t.command(rawPath, tmpPath, p))
	if !res.OK() {
		return nil, classifyTranscode(res)
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		if err == nil {
			err = errors.New("transcoded file is empty")
		}
		return nil, model.NewError(model.KindIncompleteOutput, "transcode", err, res.Excerpt())
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, model.NewError(model.KindStoreIO, "transcode", err, "")
	}

	media := &EncodedMedia{
		Path:        outPath,
		Size:        info.Size(),
		Format:      p.Format,
		ContentType: p.ContentType,
	}

	if t.opts.Prober != nil {
		duration, err := t.opts.Prober.Duration(ctx, outPath)
		switch {
		case err != nil:
			// 探测失败不影响结果
			logger.Warn("获取音频时长失败", logger.String("path", outPath), logger.ErrorField(err))
		case duration <= 0:
			os.Remove(outPath)
			return nil, model.Errorf(model.KindInvalidInput, "transcode", "output has no audio (duration %.2f)", duration)
		default:
			media.Duration = duration
		}
	}

	logger.Info("音频转码完成",
		logger.String("format", media.Format),
		logger.Int64("size", media.Size),
		logger.Float64("duration", float64(media.Duration)),
		logger.Duration("elapsed", res.Elapsed))
	return media, nil
}

var invalidInputMarkers = []string{
	"invalid data found",
	"does not contain any stream",
	"matches no streams",
	"no such file or directory",
	"could not find codec parameters",
}

// classifyTranscode 把 ffmpeg 失败分为输入问题和工具问题
func classifyTranscode(res *process.Result) error {
	if res.Outcome != process.NonZeroExit {
		return res.AsError("transcode")
	}

	stderr := strings.ToLower(string(res.Stderr))
	kind := model.KindToolFailure
	for _, marker := range invalidInputMarkers {
		if strings.Contains(stderr, marker) {
			kind = model.KindInvalidInput
			break
		}
	}
	return model.NewError(kind, "transcode", res.Err, res.Excerpt())
}
