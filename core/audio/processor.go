package audio

import "context"

// RawMedia 下载成功后留下的文件
type RawMedia struct {
	Path     string
	Size     int64
	Ext      string // 下载器选择的容器扩展名，如 webm
	Attempts int
}

// EncodedMedia 校验过、可以提交的转码输出
type EncodedMedia struct {
	Path        string
	Size        int64
	Format      string
	ContentType string
	Duration    float32 // 秒，未配置探测器时为 0
}

// Fetcher 获取远程媒体到本地目录
type Fetcher interface {
	Retrieve(ctx context.Context, sourceURL, destDir string) (*RawMedia, error)
}

// Encoder 把原始媒体转成可流式播放的格式
type Encoder interface {
	Transcode(ctx context.Context, rawPath, format string) (*EncodedMedia, error)
}

// Prober 读取音频时长
type Prober interface {
	Duration(ctx context.Context, path string) (float32, error)
}
