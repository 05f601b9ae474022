package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"tubefm/core/process"
)

// ffprobeOutput ffprobe -of json 的输出结构
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// FFprobe 通过 ffprobe 读取容器时长
type FFprobe struct {
	runner  process.Runner
	path    string
	timeout time.Duration
}

// NewFFprobe 创建时长探测器
func NewFFprobe(runner process.Runner, path string, timeout time.Duration) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{runner: runner, path: path, timeout: timeout}
}

// Duration 返回音频时长（秒）
// ffprobe 未给出时长（空或 N/A）时返回错误，由调用方决定是否容忍
func (p *FFprobe) Duration(ctx context.Context, path string) (float32, error) {
	res := p.runner.Run(ctx, process.Command{
		Path: p.path,
		Args: []string{
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "json",
			path,
		},
		Timeout: p.timeout,
	})
	if !res.OK() {
		return 0, res.AsError("probe")
	}

	var probeData ffprobeOutput
	if err := json.Unmarshal(res.Stdout, &probeData); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output for %s: %w", path, err)
	}
	if probeData.Format.Duration == "" || probeData.Format.Duration == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration for %s", path)
	}

	duration, err := strconv.ParseFloat(probeData.Format.Duration, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration string %q for %s: %w", probeData.Format.Duration, path, err)
	}
	return float32(duration), nil
}
