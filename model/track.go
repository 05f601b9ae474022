package model

import "time"

// CacheKey 标识存储中的一个逻辑音源，取规范化来源字符串摘要的小写十六进制
type CacheKey string

func (k CacheKey) String() string { return string(k) }

// TrackStatus 缓存产物的完成状态
type TrackStatus string

const (
	StatusPending TrackStatus = "pending"
	StatusReady   TrackStatus = "ready"
	StatusFailed  TrackStatus = "failed"
)

// TrackEntry 一个已缓存、可直接播放的音频产物
type TrackEntry struct {
	Key         CacheKey    `json:"key"`
	Path        string      `json:"-"`           // 产物绝对路径，不对外暴露
	Size        int64       `json:"size"`        // 字节数
	Format      string      `json:"format"`      // 编码/容器，如 mp3
	ContentType string      `json:"contentType"` // 返回给客户端的 MIME 类型
	Duration    float32     `json:"duration"`    // 秒，无法探测时为 0
	Status      TrackStatus `json:"status"`
	SourceURL   string      `json:"sourceUrl"`
	FailReason  string      `json:"failReason,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastAccess  time.Time   `json:"lastAccess"`
}

// IsReady 条目是否可以交给流写入器
func (e *TrackEntry) IsReady() bool {
	return e != nil && e.Status == StatusReady
}

// ArtifactMeta 提交时描述新产物的元数据
type ArtifactMeta struct {
	Format      string
	ContentType string
	Duration    float32
	SourceURL   string
}
