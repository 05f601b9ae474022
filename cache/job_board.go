package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"tubefm/logger"
	"tubefm/model"

	"github.com/redis/go-redis/v9"
)

const (
	jobBoardKey   = "tubefm:jobs"
	jobEventKey   = "tubefm:job:%s"
	boardQueueLen = 256
)

// JobBoard 把进行中任务的阶段同步到 Redis，供其他实例和运维查看，实现 job.Observer
type JobBoard struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.RWMutex
	closed bool
	events chan model.JobEvent
	done   chan struct{}
}

// NewJobBoard 启动后台写入，ttl 控制结束的任务保留多久
func NewJobBoard(client *redis.Client, ttl time.Duration) *JobBoard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	b := &JobBoard{
		client: client,
		ttl:    ttl,
		events: make(chan model.JobEvent, boardQueueLen),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// OnJobEvent 不阻塞调用方，队列满时丢弃事件
func (b *JobBoard) OnJobEvent(ev model.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		logger.Warn("任务看板队列已满，丢弃事件",
			logger.String("jobId", ev.JobID),
			logger.String("stage", string(ev.Stage)))
	}
}

func (b *JobBoard) loop() {
	defer close(b.done)
	for ev := range b.events {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := b.write(ctx, ev); err != nil {
			logger.Warn("写入任务看板失败", logger.String("jobId", ev.JobID), logger.ErrorField(err))
		}
		cancel()
	}
}

func (b *JobBoard) write(ctx context.Context, ev model.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	pipe := b.client.TxPipeline()
	if ev.Stage.Terminal() {
		// 结束的任务移出看板，最后状态保留 ttl
		pipe.HDel(ctx, jobBoardKey, ev.JobID)
		pipe.Set(ctx, fmt.Sprintf(jobEventKey, ev.JobID), data, b.ttl)
	} else {
		pipe.HSet(ctx, jobBoardKey, ev.JobID, data)
		pipe.Expire(ctx, jobBoardKey, b.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// List 返回看板上的任务，最早的在前
func (b *JobBoard) List(ctx context.Context) ([]model.JobEvent, error) {
	return ListJobs(ctx, b.client)
}

// ListJobs 只读看板不启动写入，供命令行使用
func ListJobs(ctx context.Context, client *redis.Client) ([]model.JobEvent, error) {
	raw, err := client.HGetAll(ctx, jobBoardKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job board: %w", err)
	}
	out := make([]model.JobEvent, 0, len(raw))
	for id, v := range raw {
		var ev model.JobEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			logger.Warn("任务看板数据无法解析", logger.String("jobId", id), logger.ErrorField(err))
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out, nil
}

// Last 读取已结束任务的最后状态
func (b *JobBoard) Last(ctx context.Context, jobID string) (*model.JobEvent, error) {
	v, err := b.client.Get(ctx, fmt.Sprintf(jobEventKey, jobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ev model.JobEvent
	if err := json.Unmarshal([]byte(v), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Close 写完排队的事件后关闭客户端
func (b *JobBoard) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()

	<-b.done
	return b.client.Close()
}
