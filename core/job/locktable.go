package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"tubefm/model"
	"tubefm/storage"
)

// Job 某个缓存键的一次生产任务
type Job struct {
	ID        string
	Key       model.CacheKey
	SourceURL string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// prev 是被取消但尚未结束的上一个任务，本任务需等它退出后才能预留 key
	prev *Job

	// 以下字段由 lockTable.mu 保护
	stage    model.JobStage
	waiters  int
	finished bool
	lease    *storage.Lease // 任务持有的固定，最后一个等待者取走结果后释放

	// done 关闭之前写入，之后只读
	entry      *model.TrackEntry
	err        error
	fromMirror bool
}

// Done 任务进入终态后关闭
func (j *Job) Done() <-chan struct{} { return j.done }

// lockTable 每个 key 最多一个进行中的任务
type lockTable struct {
	mu   sync.Mutex
	jobs map[model.CacheKey]*Job

	// orphans 保存已被取消、仍在退出中的任务，后来者据此排在它之后
	orphans map[model.CacheKey]*Job
}

func newLockTable() *lockTable {
	return &lockTable{
		jobs:    make(map[model.CacheKey]*Job),
		orphans: make(map[model.CacheKey]*Job),
	}
}

// acquire 返回 key 对应的任务，不存在时用 create 创建，创建者 owner 为 true
// create 收到仍在退出中的上一个任务（可能为 nil）。调用方无论如何都计为一个等待者
func (t *lockTable) acquire(key model.CacheKey, create func(prev *Job) *Job) (job *Job, owner bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if j, ok := t.jobs[key]; ok {
		j.waiters++
		return j, false
	}
	prev := t.orphans[key]
	delete(t.orphans, key)

	j := create(prev)
	j.waiters = 1
	t.jobs[key] = j
	return j, true
}

// leave 减少一个等待者。cancelOrphaned 时最后一个等待者离开未结束的任务，
// 任务会在锁内从表中摘除并返回 true，调用方随后取消它，之后到达的请求会开始新任务
func (t *lockTable) leave(j *Job, cancelOrphaned bool) (orphaned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if j.waiters > 0 {
		j.waiters--
	}
	if j.waiters > 0 {
		return false
	}
	if j.finished {
		if j.lease != nil {
			j.lease.Release()
		}
		return false
	}
	if !cancelOrphaned || t.jobs[j.Key] != j {
		return false
	}
	delete(t.jobs, j.Key)
	t.orphans[j.Key] = j
	return true
}

// finish 记录任务的固定并把任务从表中移除，没有等待者时立即释放固定
func (t *lockTable) finish(j *Job, lease *storage.Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j.finished = true
	j.lease = lease
	if t.jobs[j.Key] == j {
		delete(t.jobs, j.Key)
	}
	if t.orphans[j.Key] == j {
		delete(t.orphans, j.Key)
	}
	if j.waiters == 0 && lease != nil {
		lease.Release()
	}
}

// transition 把任务切到 stage 并返回对应事件
func (t *lockTable) transition(j *Job, stage model.JobStage, kind model.ErrorKind) model.JobEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	j.stage = stage
	return model.JobEvent{
		JobID:     j.ID,
		Key:       j.Key,
		SourceURL: j.SourceURL,
		Stage:     stage,
		Waiters:   j.waiters,
		StartedAt: j.StartedAt,
		At:        time.Now(),
		ErrorKind: kind,
	}
}

func (t *lockTable) snapshot() []model.JobSnapshot {
	t.mu.Lock()
	out := make([]model.JobSnapshot, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, model.JobSnapshot{
			JobID:     j.ID,
			Key:       j.Key,
			SourceURL: j.SourceURL,
			Stage:     j.stage,
			Waiters:   j.waiters,
			StartedAt: j.StartedAt,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}
