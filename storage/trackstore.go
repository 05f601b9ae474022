package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tubefm/logger"
	"tubefm/metrics"
	"tubefm/model"

	"github.com/google/uuid"
)

const (
	metaFileName = "meta.json"
	stagingName  = ".staging"
	artifactBase = "audio"
	metaVersion  = 1
	maxFailed    = 256
)

var (
	// ErrNotFound 缓存中没有这个 key
	ErrNotFound = errors.New("track not found")
	// ErrInUse 条目正在被播放，不能删除
	ErrInUse = errors.New("track is being streamed")
	// ErrStaleHandle 预留已过期或已被替换
	ErrStaleHandle = errors.New("write handle is no longer valid")
)

// Options 配置 TrackStore
type Options struct {
	Root           string
	Policy         EvictionPolicy // nil 表示不淘汰
	ReservationTTL time.Duration
	Metrics        *metrics.Metrics
}

// record 索引中的一个 Ready 条目
type record struct {
	entry      model.TrackEntry
	lastAccess atomic.Int64 // unix 纳秒
	refs       atomic.Int32
}

func (r *record) snapshot() *model.TrackEntry {
	e := r.entry
	e.LastAccess = time.Unix(0, r.lastAccess.Load())
	return &e
}

type reservation struct {
	id    string
	dir   string
	since time.Time
}

// metaRecord 条目在磁盘上的形式
type metaRecord struct {
	Version  int    `json:"version"`
	Artifact string `json:"artifact"`
	model.TrackEntry
}

// TrackStore 按内容寻址的磁盘音频缓存
// 目录结构：<root>/<key>/audio.<ext> 和 <root>/<key>/meta.json，暂存目录在 <root>/.staging
type TrackStore struct {
	root    string
	policy  EvictionPolicy
	ttl     time.Duration
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[model.CacheKey]*record
	pending map[model.CacheKey]*reservation
	failed  map[model.CacheKey]model.TrackEntry
}

// WriteHandle 生产某个 key 的预留
type WriteHandle struct {
	key model.CacheKey
	id  string
	dir string
}

// Key 返回预留的缓存键
func (h *WriteHandle) Key() model.CacheKey { return h.key }

// Dir 返回生产者可以写入的临时目录
func (h *WriteHandle) Dir() string { return h.dir }

// Lease 在使用期间固定一个 Ready 条目
type Lease struct {
	rec  *record
	once sync.Once
}

// Entry 返回被固定条目的副本
func (l *Lease) Entry() *model.TrackEntry { return l.rec.snapshot() }

// Release 释放固定，可重复调用
func (l *Lease) Release() {
	l.once.Do(func() {
		l.rec.refs.Add(-1)
	})
}

// NewTrackStore 创建存储并确保目录存在，调用方随后应执行 Recover
func NewTrackStore(opts Options) (*TrackStore, error) {
	if opts.Root == "" {
		return nil, errors.New("store root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, stagingName), 0755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 30 * time.Minute
	}
	return &TrackStore{
		root:    root,
		policy:  opts.Policy,
		ttl:     opts.ReservationTTL,
		metrics: opts.Metrics,
		entries: make(map[model.CacheKey]*record),
		pending: make(map[model.CacheKey]*reservation),
		failed:  make(map[model.CacheKey]model.TrackEntry),
	}, nil
}

// Root 返回存储根目录
func (s *TrackStore) Root() string { return s.root }

func (s *TrackStore) keyDir(key model.CacheKey) string {
	return filepath.Join(s.root, string(key))
}

// Lookup 返回 Ready 条目的副本并刷新访问时间
func (s *TrackStore) Lookup(key model.CacheKey) (*model.TrackEntry, bool) {
	s.mu.RLock()
	rec, ok := s.entries[key]
	if ok {
		rec.lastAccess.Store(time.Now().UnixNano())
	}
	s.mu.RUnlock()

	s.metrics.ObserveLookup(ok)
	if !ok {
		return nil, false
	}
	return rec.snapshot(), true
}

// Status 返回任意状态的条目，包括 Pending 和 Failed
func (s *TrackStore) Status(key model.CacheKey) (*model.TrackEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.entries[key]; ok {
		return rec.snapshot(), true
	}
	if p, ok := s.pending[key]; ok {
		return &model.TrackEntry{Key: key, Status: model.StatusPending, CreatedAt: p.since}, true
	}
	if f, ok := s.failed[key]; ok {
		e := f
		return &e, true
	}
	return nil, false
}

// Begin 预留 key 并创建暂存目录
func (s *TrackStore) Begin(key model.CacheKey) (*WriteHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[key]; ok {
		if time.Since(p.since) < s.ttl {
			return nil, model.Errorf(model.KindAlreadyPending, "begin", "key %s reserved since %s", key, p.since.Format(time.RFC3339)).WithKey(key)
		}
		logger.Warn("预留已过期，重新开始", logger.String("key", string(key)), logger.Duration("age", time.Since(p.since)))
		os.RemoveAll(p.dir)
	}
	delete(s.failed, key)

	id := uuid.NewString()
	dir := filepath.Join(s.root, stagingName, string(key)+"-"+id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, model.NewError(model.KindStoreIO, "begin", err, "").WithKey(key)
	}

	now := time.Now()
	pendingMeta := metaRecord{
		Version:    metaVersion,
		TrackEntry: model.TrackEntry{Key: key, Status: model.StatusPending, CreatedAt: now, LastAccess: now},
	}
	if err := writeMeta(dir, &pendingMeta); err != nil {
		os.RemoveAll(dir)
		return nil, model.NewError(model.KindStoreIO, "begin", err, "").WithKey(key)
	}

	s.pending[key] = &reservation{id: id, dir: dir, since: now}
	return &WriteHandle{key: key, id: id, dir: dir}, nil
}

func (s *TrackStore) checkHandle(h *WriteHandle) (*reservation, error) {
	p, ok := s.pending[h.key]
	if !ok || p.id != h.id {
		return nil, ErrStaleHandle
	}
	return p, nil
}

// Commit 把产物移入缓存并将 key 置为 Ready，读者要么看到旧条目，要么看到完整的新条目
func (s *TrackStore) Commit(h *WriteHandle, artifactPath string, meta model.ArtifactMeta) (*model.TrackEntry, error) {
	lease, err := s.CommitLeased(h, artifactPath, meta)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Entry(), nil
}

// CommitLeased 与 Commit 相同，但返回已固定的新条目
// 提交后的淘汰不会选中它，超出容量的产物也要等租约释放后才会被淘汰
func (s *TrackStore) CommitLeased(h *WriteHandle, artifactPath string, meta model.ArtifactMeta) (*Lease, error) {
	s.mu.Lock()
	rec, err := s.commitLocked(h, artifactPath, meta)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rec.refs.Add(1)
	s.mu.Unlock()

	s.Enforce()
	return &Lease{rec: rec}, nil
}

func (s *TrackStore) commitLocked(h *WriteHandle, artifactPath string, meta model.ArtifactMeta) (*record, error) {
	p, err := s.checkHandle(h)
	if err != nil {
		return nil, model.NewError(model.KindStoreIO, "commit", err, "").WithKey(h.key)
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, model.NewError(model.KindStoreIO, "commit", err, "").WithKey(h.key)
	}
	if info.Size() == 0 {
		return nil, model.Errorf(model.KindIncompleteOutput, "commit", "artifact is empty").WithKey(h.key)
	}

	ext := strings.ToLower(meta.Format)
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(artifactPath), ".")
	}
	artifactName := artifactBase + "." + ext

	dir := s.keyDir(h.key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, model.NewError(model.KindStoreIO, "commit", err, "").WithKey(h.key)
	}
	finalPath := filepath.Join(dir, artifactName)
	if err := os.Rename(artifactPath, finalPath); err != nil {
		return nil, model.NewError(model.KindStoreIO, "commit", err, "").WithKey(h.key)
	}

	now := time.Now()
	entry := model.TrackEntry{
		Key:         h.key,
		Path:        finalPath,
		Size:        info.Size(),
		Format:      ext,
		ContentType: meta.ContentType,
		Duration:    meta.Duration,
		Status:      model.StatusReady,
		SourceURL:   meta.SourceURL,
		CreatedAt:   now,
		LastAccess:  now,
	}
	if err := writeMeta(dir, &metaRecord{Version: metaVersion, Artifact: artifactName, TrackEntry: entry}); err != nil {
		os.Remove(finalPath)
		return nil, model.NewError(model.KindStoreIO, "commit", err, "").WithKey(h.key)
	}

	// 旧条目格式不同时清理旧文件，正在播放的读者持有的文件描述符不受影响
	if old, ok := s.entries[h.key]; ok && old.entry.Path != finalPath {
		os.Remove(old.entry.Path)
	}

	rec := &record{entry: entry}
	rec.lastAccess.Store(now.UnixNano())
	s.entries[h.key] = rec
	delete(s.pending, h.key)

	if err := os.RemoveAll(p.dir); err != nil {
		logger.Warn("清理暂存目录失败", logger.String("dir", p.dir), logger.ErrorField(err))
	}

	logger.Info("音频已写入缓存",
		logger.String("key", string(h.key)),
		logger.String("format", entry.Format),
		logger.Int64("size", entry.Size))
	return rec, nil
}

// Abort 把预留标记为 Failed 并删除暂存文件，之后可以立即重新 Begin
func (s *TrackStore) Abort(h *WriteHandle, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.checkHandle(h)
	if err != nil {
		// 过期句柄只清理自己的目录
		os.RemoveAll(h.dir)
		return
	}
	delete(s.pending, h.key)
	if err := os.RemoveAll(p.dir); err != nil {
		logger.Warn("清理暂存目录失败", logger.String("dir", p.dir), logger.ErrorField(err))
	}

	if len(s.failed) >= maxFailed {
		for k := range s.failed {
			delete(s.failed, k)
			break
		}
	}
	s.failed[h.key] = model.TrackEntry{
		Key:        h.key,
		Status:     model.StatusFailed,
		FailReason: model.Sanitize(reason, model.MaxExcerptLen),
		CreatedAt:  p.since,
		LastAccess: time.Now(),
	}
}

// Acquire 固定 Ready 条目，租约释放前淘汰会跳过它
func (s *TrackStore) Acquire(key model.CacheKey) (*Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	rec.refs.Add(1)
	rec.lastAccess.Store(time.Now().UnixNano())
	return &Lease{rec: rec}, nil
}

// Evict 删除一个条目，被固定的条目返回 ErrInUse
func (s *TrackStore) Evict(key model.CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	if rec.refs.Load() > 0 {
		return ErrInUse
	}
	s.removeLocked(key)
	s.reportUsageLocked()
	return nil
}

// Forget 从索引中移除产物已被外部删除的 key
func (s *TrackStore) Forget(key model.CacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return
	}
	delete(s.entries, key)
	if err := os.RemoveAll(s.keyDir(key)); err != nil {
		logger.Warn("清理缓存目录失败", logger.String("key", string(key)), logger.ErrorField(err))
	}
	s.reportUsageLocked()
	logger.Warn("缓存条目已失效", logger.String("key", string(key)))
}

func (s *TrackStore) removeLocked(key model.CacheKey) {
	delete(s.entries, key)
	if err := os.RemoveAll(s.keyDir(key)); err != nil {
		logger.Warn("删除缓存目录失败", logger.String("key", string(key)), logger.ErrorField(err))
	}
	s.metrics.ObserveEviction()
}

// Enforce 执行淘汰策略并返回被淘汰的 key
func (s *TrackStore) Enforce() []model.CacheKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.policy == nil {
		s.reportUsageLocked()
		return nil
	}

	var total int64
	candidates := make([]Candidate, 0, len(s.entries))
	for _, rec := range s.entries {
		total += rec.entry.Size
		candidates = append(candidates, Candidate{Entry: *rec.snapshot(), Pinned: rec.refs.Load() > 0})
	}

	victims := s.policy.Victims(candidates, total)
	evicted := make([]model.CacheKey, 0, len(victims))
	for _, key := range victims {
		rec, ok := s.entries[key]
		if !ok || rec.refs.Load() > 0 {
			continue
		}
		s.removeLocked(key)
		evicted = append(evicted, key)
		logger.Info("淘汰缓存条目", logger.String("key", string(key)), logger.Int64("size", rec.entry.Size))
	}
	s.reportUsageLocked()
	return evicted
}

// Entries 返回所有 Ready 条目，最近访问的在前
func (s *TrackStore) Entries() []model.TrackEntry {
	s.mu.RLock()
	out := make([]model.TrackEntry, 0, len(s.entries))
	for _, rec := range s.entries {
		out = append(out, *rec.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccess.After(out[j].LastAccess)
	})
	return out
}

// Usage 返回产物总字节数和 Ready 条目数
func (s *TrackStore) Usage() (int64, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usageLocked()
}

func (s *TrackStore) usageLocked() (int64, int) {
	var total int64
	for _, rec := range s.entries {
		total += rec.entry.Size
	}
	return total, len(s.entries)
}

func (s *TrackStore) reportUsageLocked() {
	bytes, count := s.usageLocked()
	s.metrics.SetStoreUsage(bytes, count)
}

// RecoverStats 启动恢复的统计
type RecoverStats struct {
	Indexed   int
	Reclaimed int
}

// Recover 根据磁盘上的 meta.json 重建索引
// 只保留产物存在且大小一致的 Ready 记录，其余全部删除
func (s *TrackStore) Recover() (RecoverStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats RecoverStats

	// 上次进程退出时还在生产的条目全部丢弃
	staging := filepath.Join(s.root, stagingName)
	if err := os.RemoveAll(staging); err != nil {
		return stats, fmt.Errorf("wipe staging: %w", err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return stats, fmt.Errorf("create staging: %w", err)
	}

	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return stats, fmt.Errorf("read store root: %w", err)
	}

	s.entries = make(map[model.CacheKey]*record)
	s.pending = make(map[model.CacheKey]*reservation)
	s.failed = make(map[model.CacheKey]model.TrackEntry)

	for _, d := range dirents {
		name := d.Name()
		if name == stagingName {
			continue
		}
		path := filepath.Join(s.root, name)
		if !d.IsDir() {
			continue
		}

		rec, reason := s.loadRecord(model.CacheKey(name))
		if rec == nil {
			logger.Warn("回收无效缓存目录", logger.String("dir", name), logger.String("reason", reason))
			if err := os.RemoveAll(path); err != nil {
				logger.Error("回收缓存目录失败", logger.String("dir", name), logger.ErrorField(err))
			}
			stats.Reclaimed++
			continue
		}
		s.entries[rec.entry.Key] = rec
		stats.Indexed++
	}

	s.reportUsageLocked()
	logger.Info("缓存索引恢复完成", logger.Int("indexed", stats.Indexed), logger.Int("reclaimed", stats.Reclaimed))
	return stats, nil
}

func (s *TrackStore) loadRecord(key model.CacheKey) (*record, string) {
	dir := s.keyDir(key)
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, "missing meta"
	}
	var meta metaRecord
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, "unreadable meta"
	}
	if meta.Key != key {
		return nil, "key mismatch"
	}
	if meta.Status != model.StatusReady {
		return nil, "status " + string(meta.Status)
	}
	if meta.Artifact == "" || filepath.Base(meta.Artifact) != meta.Artifact {
		return nil, "bad artifact name"
	}

	path := filepath.Join(dir, meta.Artifact)
	info, err := os.Stat(path)
	if err != nil {
		return nil, "missing artifact"
	}
	if info.Size() != meta.Size || meta.Size == 0 {
		return nil, "size mismatch"
	}

	entry := meta.TrackEntry
	entry.Path = path
	if entry.LastAccess.IsZero() {
		entry.LastAccess = info.ModTime()
	}
	rec := &record{entry: entry}
	rec.lastAccess.Store(entry.LastAccess.UnixNano())
	return rec, ""
}

// writeMeta 先写临时文件再重命名为 meta.json
func writeMeta(dir string, meta *metaRecord) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, metaFileName))
}
