package model

import "time"

// JobStage 进行中任务的生产阶段
type JobStage string

const (
	StageRetrieving  JobStage = "retrieving"
	StageTranscoding JobStage = "transcoding"
	StageStoring     JobStage = "storing"
	StageDone        JobStage = "done"
	StageFailed      JobStage = "failed"
)

// Terminal 是否为终态
func (s JobStage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// JobEvent 每次阶段变化时发布
type JobEvent struct {
	JobID     string    `json:"jobId"`
	Key       CacheKey  `json:"key"`
	SourceURL string    `json:"sourceUrl"`
	Stage     JobStage  `json:"stage"`
	Waiters   int       `json:"waiters"`
	StartedAt time.Time `json:"startedAt"`
	At        time.Time `json:"at"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}

// JobSnapshot 进行中任务的快照
type JobSnapshot struct {
	JobID     string    `json:"jobId"`
	Key       CacheKey  `json:"key"`
	SourceURL string    `json:"sourceUrl"`
	Stage     JobStage  `json:"stage"`
	Waiters   int       `json:"waiters"`
	StartedAt time.Time `json:"startedAt"`
}

// TrackRecord 记录一次生产任务的最终结果，持久化到 MySQL
type TrackRecord struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID      string    `gorm:"type:varchar(36);index" json:"jobId"`
	CacheKey   string    `gorm:"type:varchar(64);index" json:"cacheKey"`
	SourceURL  string    `gorm:"type:varchar(1024)" json:"sourceUrl"`
	Status     string    `gorm:"type:varchar(16)" json:"status"`
	ErrorKind  string    `gorm:"type:varchar(32)" json:"errorKind,omitempty"`
	Format     string    `gorm:"type:varchar(16)" json:"format"`
	Size       int64     `json:"size"`
	Duration   float32   `json:"duration"`
	ElapsedMs  int64     `json:"elapsedMs"`
	FromMirror bool      `json:"fromMirror"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName 指定表名
func (TrackRecord) TableName() string {
	return "track_records"
}
