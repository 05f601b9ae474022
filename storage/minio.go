package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"tubefm/logger"
	"tubefm/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotMirrored 远端没有这个音频
var ErrNotMirrored = errors.New("artifact not mirrored")

// MinioConfig MinIO 连接参数
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// MinioMirror 保存已提交音频的远端副本，其他实例或重启后可以跳过 yt-dlp 和 ffmpeg
type MinioMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioMirror 连接 MinIO，存储桶不存在时自动创建
func NewMinioMirror(ctx context.Context, cfg MinioConfig) (*MinioMirror, error) {
	logger.Info("正在连接 MinIO 服务器",
		logger.String("endpoint", cfg.Endpoint),
		logger.String("bucket", cfg.Bucket))

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", cfg.Bucket))
	}

	logger.Info("MinIO 客户端初始化成功")
	return &MinioMirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *MinioMirror) objectName(key model.CacheKey, format string) string {
	return path.Join(m.prefix, string(key), artifactBase+"."+format)
}

// Upload 上传已提交的音频
func (m *MinioMirror) Upload(ctx context.Context, entry model.TrackEntry) error {
	name := m.objectName(entry.Key, entry.Format)
	_, err := m.client.FPutObject(ctx, m.bucket, name, entry.Path, minio.PutObjectOptions{
		ContentType: entry.ContentType,
		UserMetadata: map[string]string{
			"duration": strconv.FormatFloat(float64(entry.Duration), 'f', 3, 32),
		},
	})
	if err != nil {
		return fmt.Errorf("上传 %s 失败: %w", name, err)
	}
	logger.Debug("音频已同步到 MinIO", logger.String("object", name), logger.Int64("size", entry.Size))
	return nil
}

// Fetch 把远端副本下载到 destDir，不存在时返回 ErrNotMirrored
func (m *MinioMirror) Fetch(ctx context.Context, key model.CacheKey, format, destDir string) (string, model.ArtifactMeta, error) {
	name := m.objectName(key, format)
	info, err := m.client.StatObject(ctx, m.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", model.ArtifactMeta{}, ErrNotMirrored
		}
		return "", model.ArtifactMeta{}, fmt.Errorf("查询 %s 失败: %w", name, err)
	}

	dest := filepath.Join(destDir, "mirror."+format)
	if err := m.client.FGetObject(ctx, m.bucket, name, dest, minio.GetObjectOptions{}); err != nil {
		return "", model.ArtifactMeta{}, fmt.Errorf("下载 %s 失败: %w", name, err)
	}

	meta := model.ArtifactMeta{Format: format, ContentType: info.ContentType}
	for _, k := range []string{"Duration", "duration"} {
		if v, ok := info.UserMetadata[k]; ok {
			if d, err := strconv.ParseFloat(v, 32); err == nil {
				meta.Duration = float32(d)
			}
			break
		}
	}
	return dest, meta, nil
}

// Delete 删除远端副本
func (m *MinioMirror) Delete(ctx context.Context, key model.CacheKey, format string) error {
	return m.client.RemoveObject(ctx, m.bucket, m.objectName(key, format), minio.RemoveObjectOptions{})
}

// List 列出远端的音频对象
func (m *MinioMirror) List(ctx context.Context) ([]ObjectInfo, *BucketStats, error) {
	stats := &BucketStats{}
	var objects []ObjectInfo

	prefix := m.prefix
	if prefix != "" {
		prefix += "/"
	}
	for object := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
			ETag:         object.ETag,
		})
	}
	return objects, stats, nil
}
