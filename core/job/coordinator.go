package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tubefm/core/audio"
	"tubefm/core/source"
	"tubefm/logger"
	"tubefm/metrics"
	"tubefm/model"
	"tubefm/storage"

	"github.com/google/uuid"
)

// Observer 接收每次阶段变化，实现不能阻塞
type Observer interface {
	OnJobEvent(ev model.JobEvent)
}

// Mirror 已提交产物的可选远端副本
type Mirror interface {
	Fetch(ctx context.Context, key model.CacheKey, format, destDir string) (string, model.ArtifactMeta, error)
	Upload(ctx context.Context, entry model.TrackEntry) error
}

// History 每个结束的任务持久化一条记录
type History interface {
	Record(ctx context.Context, rec *model.TrackRecord) error
}

// Options 配置协调器
type Options struct {
	Format         string // 输出格式，默认 mp3
	CancelOrphaned bool   // 最后一个等待者离开时取消任务
	Mirror         Mirror
	History        History
	Observers      []Observer
	Metrics        *metrics.Metrics
	UploadTimeout  time.Duration
}

// Coordinator 按缓存键去重生产：第一个请求执行下载、转码和提交，
// 之后的请求等待同一个结果
type Coordinator struct {
	store   *storage.TrackStore
	fetcher audio.Fetcher
	encoder audio.Encoder
	opts    Options
	table   *lockTable

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator 创建协调器
func NewCoordinator(store *storage.TrackStore, fetcher audio.Fetcher, encoder audio.Encoder, opts Options) *Coordinator {
	if opts.Format == "" {
		opts.Format = "mp3"
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:   store,
		fetcher: fetcher,
		encoder: encoder,
		opts:    opts,
		table:   newLockTable(),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// AddObserver 注册一个阶段事件监听者，需在处理请求前调用
func (c *Coordinator) AddObserver(o Observer) {
	c.opts.Observers = append(c.opts.Observers, o)
}

// Format 返回协调器输出的音频格式
func (c *Coordinator) Format() string { return c.opts.Format }

// GetOrProduce 规范化 raw 并返回 Ready 条目，必要时生产
func (c *Coordinator) GetOrProduce(ctx context.Context, raw string) (*model.TrackEntry, error) {
	src, err := source.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return c.Produce(ctx, src)
}

// Produce 返回 src 的 Ready 条目副本，条目不做固定，随后可能被淘汰。
// 需要读取产物的调用方应使用 Acquire
func (c *Coordinator) Produce(ctx context.Context, src source.Source) (*model.TrackEntry, error) {
	lease, err := c.Acquire(ctx, src)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Entry(), nil
}

// Acquire 返回 src 对应 Ready 条目的租约，调用方负责 Release。
// 取消 ctx 只会让当前调用方退出，任务继续为其他等待者和缓存运行；
// 开启 CancelOrphaned 时最后一个等待者离开会取消任务
func (c *Coordinator) Acquire(ctx context.Context, src source.Source) (*storage.Lease, error) {
	if lease, err := c.store.Acquire(src.Key); err == nil {
		c.opts.Metrics.ObserveLookup(true)
		return lease, nil
	}
	c.opts.Metrics.ObserveLookup(false)

	job, owner := c.table.acquire(src.Key, func(prev *Job) *Job {
		jobCtx, cancel := context.WithCancel(c.baseCtx)
		return &Job{
			ID:        uuid.NewString(),
			Key:       src.Key,
			SourceURL: src.FetchURL,
			StartedAt: time.Now(),
			ctx:       jobCtx,
			cancel:    cancel,
			done:      make(chan struct{}),
			prev:      prev,
			stage:     model.StageRetrieving,
		}
	})

	if owner {
		c.opts.Metrics.JobStarted()
		c.wg.Add(1)
		go c.run(job, src)
	} else {
		c.opts.Metrics.WaiterJoined()
		logger.Debug("加入等待中的任务", logger.String("jobId", job.ID), logger.String("key", string(src.Key)))
	}

	select {
	case <-job.done:
		// 任务的固定在本等待者离开前一直有效，这里再取一份属于自己的
		defer c.table.leave(job, false)
		if job.err != nil {
			return nil, job.err
		}
		lease, err := c.store.Acquire(job.Key)
		if err != nil {
			return nil, model.NewError(model.KindStoreIO, "acquire", err, "").WithKey(job.Key)
		}
		return lease, nil
	case <-ctx.Done():
		if c.table.leave(job, c.opts.CancelOrphaned) {
			logger.Info("没有等待者，取消任务", logger.String("jobId", job.ID), logger.String("key", string(job.Key)))
			job.cancel()
		}
		return nil, ctx.Err()
	}
}

func (c *Coordinator) run(job *Job, src source.Source) {
	defer c.wg.Done()
	defer job.cancel()

	start := time.Now()
	c.publish(c.table.transition(job, model.StageRetrieving, ""))

	lease, fromMirror, err := c.produce(job, src)

	stage := model.StageDone
	kind := model.ErrorKind("")
	var entry *model.TrackEntry
	if err != nil {
		stage = model.StageFailed
		kind = model.KindOf(err)
	} else {
		entry = lease.Entry()
	}

	// 上传期间保持固定，避免产物在同步 MinIO 时被淘汰
	var uploadLease *storage.Lease
	if err == nil && !fromMirror && c.opts.Mirror != nil {
		uploadLease, _ = c.store.Acquire(job.Key)
	}

	// 结果先写入 job，再从表中移除，最后唤醒等待者
	job.entry, job.err, job.fromMirror = entry, err, fromMirror
	c.table.finish(job, lease)
	c.publish(c.table.transition(job, stage, kind))
	close(job.done)

	elapsed := time.Since(start)
	c.opts.Metrics.JobFinished(string(stage), string(kind), elapsed)
	if err != nil {
		logger.Warn("任务失败",
			logger.String("jobId", job.ID),
			logger.String("key", string(job.Key)),
			logger.String("source", job.SourceURL),
			logger.String("kind", string(kind)),
			logger.String("detail", model.ExcerptOf(err)),
			logger.Duration("elapsed", elapsed),
			logger.ErrorField(err))
	} else {
		logger.Info("任务完成",
			logger.String("jobId", job.ID),
			logger.String("key", string(job.Key)),
			logger.Bool("fromMirror", fromMirror),
			logger.Duration("elapsed", elapsed))
	}

	c.record(job, entry, err, elapsed)
	if uploadLease != nil {
		c.upload(*uploadLease.Entry())
		uploadLease.Release()
	}
}

// produce 执行流水线，返回已固定的新条目或第一个失败
func (c *Coordinator) produce(job *Job, src source.Source) (*storage.Lease, bool, error) {
	ctx := job.ctx

	// 被取消的上一个任务退出后才释放预留
	if job.prev != nil {
		select {
		case <-job.prev.done:
		case <-ctx.Done():
			return nil, false, model.NewError(model.KindCanceled, "produce", ctx.Err(), "").WithKey(src.Key)
		}
	}

	// 排队期间其他实例或上一个任务可能已经写入
	if lease, err := c.store.Acquire(src.Key); err == nil {
		return lease, false, nil
	}

	h, err := c.store.Begin(src.Key)
	if err != nil {
		return nil, false, withKey(err, src.Key)
	}

	committed := false
	var failure error
	defer func() {
		if !committed {
			reason := "canceled"
			if failure != nil {
				reason = failure.Error()
			}
			c.store.Abort(h, reason)
		}
	}()

	if lease, ok := c.fromMirror(ctx, job, src, h); ok {
		committed = true
		return lease, true, nil
	}

	raw, err := c.fetcher.Retrieve(ctx, src.FetchURL, h.Dir())
	if err != nil {
		failure = withKey(err, src.Key)
		return nil, false, failure
	}

	c.publish(c.table.transition(job, model.StageTranscoding, ""))
	media, err := c.encoder.Transcode(ctx, raw.Path, c.opts.Format)
	if err != nil {
		failure = withKey(err, src.Key)
		return nil, false, failure
	}

	c.publish(c.table.transition(job, model.StageStoring, ""))
	lease, err := c.store.CommitLeased(h, media.Path, model.ArtifactMeta{
		Format:      media.Format,
		ContentType: media.ContentType,
		Duration:    media.Duration,
		SourceURL:   src.FetchURL,
	})
	if err != nil {
		failure = withKey(err, src.Key)
		return nil, false, failure
	}
	committed = true
	return lease, false, nil
}

func (c *Coordinator) fromMirror(ctx context.Context, job *Job, src source.Source, h *storage.WriteHandle) (*storage.Lease, bool) {
	if c.opts.Mirror == nil {
		return nil, false
	}

	path, meta, err := c.opts.Mirror.Fetch(ctx, src.Key, c.opts.Format, h.Dir())
	if err != nil {
		if !errors.Is(err, storage.ErrNotMirrored) {
			logger.Warn("从 MinIO 获取音频失败，改为重新生产", logger.String("key", string(src.Key)), logger.ErrorField(err))
		}
		return nil, false
	}

	c.publish(c.table.transition(job, model.StageStoring, ""))
	if meta.ContentType == "" {
		meta.ContentType = audio.ContentTypeFor(c.opts.Format)
	}
	meta.SourceURL = src.FetchURL
	lease, err := c.store.CommitLeased(h, path, meta)
	if err != nil {
		logger.Warn("提交 MinIO 副本失败", logger.String("key", string(src.Key)), logger.ErrorField(err))
		return nil, false
	}
	return lease, true
}

func (c *Coordinator) record(job *Job, entry *model.TrackEntry, err error, elapsed time.Duration) {
	if c.opts.History == nil {
		return
	}
	rec := &model.TrackRecord{
		JobID:      job.ID,
		CacheKey:   string(job.Key),
		SourceURL:  job.SourceURL,
		Status:     string(model.StageDone),
		ElapsedMs:  elapsed.Milliseconds(),
		FromMirror: job.fromMirror,
		CreatedAt:  job.StartedAt,
	}
	if err != nil {
		rec.Status = string(model.StageFailed)
		rec.ErrorKind = string(model.KindOf(err))
	} else {
		rec.Format = entry.Format
		rec.Size = entry.Size
		rec.Duration = entry.Duration
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.opts.History.Record(ctx, rec); err != nil {
		logger.Warn("写入任务历史失败", logger.String("jobId", job.ID), logger.ErrorField(err))
	}
}

func (c *Coordinator) upload(entry model.TrackEntry) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.opts.UploadTimeout)
	defer cancel()
	if err := c.opts.Mirror.Upload(ctx, entry); err != nil {
		logger.Warn("同步音频到 MinIO 失败", logger.String("key", string(entry.Key)), logger.ErrorField(err))
	}
}

func (c *Coordinator) publish(ev model.JobEvent) {
	for _, o := range c.opts.Observers {
		o.OnJobEvent(ev)
	}
}

// Jobs 返回进行中任务的快照，最早的在前
func (c *Coordinator) Jobs() []model.JobSnapshot {
	return c.table.snapshot()
}

// Shutdown 取消所有任务，等待它们退出或 ctx 到期
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func withKey(err error, key model.CacheKey) error {
	var me *model.Error
	if errors.As(err, &me) {
		return me.WithKey(key)
	}
	return &model.Error{Kind: model.KindUnknown, Key: key, Err: err}
}
