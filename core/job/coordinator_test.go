package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tubefm/core/audio"
	"tubefm/core/process"
	"tubefm/core/source"
	"tubefm/model"
	"tubefm/storage"
)

const encodedContent = "encoded-audio-payload"

// fakeTools 通过写输出文件模拟 yt-dlp 和 ffmpeg
func fakeTools(t *testing.T) func(context.Context, process.Command) *process.Result {
	return func(ctx context.Context, cmd process.Command) *process.Result {
		switch cmd.Tool() {
		case "yt-dlp":
			for i, a := range cmd.Args {
				if a == "-o" {
					out := strings.Replace(cmd.Args[i+1], "%(ext)s", "webm", 1)
					if err := os.WriteFile(out, []byte("raw-media"), 0644); err != nil {
						t.Errorf("fake yt-dlp: %v", err)
					}
				}
			}
		case "ffmpeg":
			out := cmd.Args[len(cmd.Args)-1]
			if err := os.WriteFile(out, []byte(encodedContent), 0644); err != nil {
				t.Errorf("fake ffmpeg: %v", err)
			}
		}
		return nil
	}
}

type harness struct {
	runner *process.FakeRunner
	store  *storage.TrackStore
	coord  *Coordinator
}

func newHarness(t *testing.T, runner *process.FakeRunner, opts Options) *harness {
	t.Helper()
	return newHarnessWithPolicy(t, runner, opts, nil)
}

func newHarnessWithPolicy(t *testing.T, runner *process.FakeRunner, opts Options, policy storage.EvictionPolicy) *harness {
	t.Helper()
	if runner.Handler == nil {
		runner.Handler = fakeTools(t)
	}
	store, err := storage.NewTrackStore(storage.Options{Root: t.TempDir(), Policy: policy})
	if err != nil {
		t.Fatalf("NewTrackStore: %v", err)
	}
	retriever := audio.NewRetriever(runner, audio.RetrieverOptions{YtDlpPath: "yt-dlp", Retries: 1, Backoff: time.Millisecond})
	transcoder := audio.NewTranscoder(runner, audio.TranscoderOptions{FFmpegPath: "ffmpeg"})
	coord := NewCoordinator(store, retriever, transcoder, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})
	return &harness{runner: runner, store: store, coord: coord}
}

func TestProduceNewSource(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{}, Options{})

	entry, err := h.coord.GetOrProduce(context.Background(), "https://example.com/a.mp3")
	if err != nil {
		t.Fatalf("GetOrProduce: %v", err)
	}
	if entry.Status != model.StatusReady || entry.Size != int64(len(encodedContent)) {
		t.Errorf("Unexpected entry %+v", entry)
	}
	if entry.ContentType != "audio/mpeg" || entry.Format != "mp3" {
		t.Errorf("Unexpected format %s/%s", entry.Format, entry.ContentType)
	}
	if h.runner.Calls("yt-dlp") != 1 || h.runner.Calls("ffmpeg") != 1 {
		t.Errorf("Expected one retrieve and one transcode, got %d/%d", h.runner.Calls("yt-dlp"), h.runner.Calls("ffmpeg"))
	}

	stored, ok := h.store.Lookup(entry.Key)
	if !ok || stored.Path != entry.Path {
		t.Errorf("Expected committed entry in store, got %+v", stored)
	}
	data, err := os.ReadFile(entry.Path)
	if err != nil || string(data) != encodedContent {
		t.Errorf("Expected artifact to match transcoded output, got %q (%v)", data, err)
	}
}

func TestCacheHitRunsNoProcess(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{}, Options{})

	first, err := h.coord.GetOrProduce(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatal(err)
	}
	calls := h.runner.Calls("")

	// 同一视频的另一种写法
	second, err := h.coord.GetOrProduce(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	if err != nil {
		t.Fatal(err)
	}
	if second.Key != first.Key {
		t.Errorf("Expected same key, got %s and %s", first.Key, second.Key)
	}
	if h.runner.Calls("") != calls {
		t.Errorf("Expected no subprocess on cache hit, calls went from %d to %d", calls, h.runner.Calls(""))
	}
}

func TestConcurrentRequestsShareOneJob(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{Delay: 100 * time.Millisecond}, Options{})

	const n = 10
	var wg sync.WaitGroup
	entries := make([]*model.TrackEntry, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = h.coord.GetOrProduce(context.Background(), "https://example.com/b.mp3")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if entries[i].Key != entries[0].Key || entries[i].Path != entries[0].Path || entries[i].Size != entries[0].Size {
			t.Errorf("request %d got a different entry: %+v", i, entries[i])
		}
	}
	if h.runner.Calls("yt-dlp") != 1 || h.runner.Calls("ffmpeg") != 1 {
		t.Errorf("Expected exactly one retrieve and transcode, got %d/%d", h.runner.Calls("yt-dlp"), h.runner.Calls("ffmpeg"))
	}
	if len(h.coord.Jobs()) != 0 {
		t.Error("Expected job table to be empty after completion")
	}
}

func TestFailureIsBroadcastAndNotCached(t *testing.T) {
	runner := &process.FakeRunner{Delay: 150 * time.Millisecond}
	var mu sync.Mutex
	fail := true
	tools := fakeTools(t)
	runner.Handler = func(ctx context.Context, cmd process.Command) *process.Result {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f && cmd.Tool() == "yt-dlp" {
			return &process.Result{Outcome: process.NonZeroExit, ExitCode: 1, Stderr: []byte("ERROR: Video unavailable")}
		}
		return tools(ctx, cmd)
	}
	h := newHarness(t, runner, Options{})

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.GetOrProduce(context.Background(), "https://example.com/c.mp3")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if model.KindOf(err) != model.KindNonZeroExit {
			t.Errorf("request %d: expected non_zero_exit, got %v", i, err)
		}
		if !strings.Contains(model.ExcerptOf(err), "Video unavailable") {
			t.Errorf("request %d: expected excerpt, got %q", i, model.ExcerptOf(err))
		}
	}
	if h.runner.Calls("yt-dlp") != 1 || h.runner.Calls("ffmpeg") != 0 {
		t.Errorf("Expected a single failed retrieve, got %d/%d", h.runner.Calls("yt-dlp"), h.runner.Calls("ffmpeg"))
	}

	src, _ := source.Normalize("https://example.com/c.mp3")
	if st, ok := h.store.Status(src.Key); !ok || st.Status != model.StatusFailed {
		t.Errorf("Expected failed status in store, got %+v", st)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	entry, err := h.coord.GetOrProduce(context.Background(), "https://example.com/c.mp3")
	if err != nil {
		t.Fatalf("Expected a fresh job to succeed, got %v", err)
	}
	if !entry.IsReady() || h.runner.Calls("yt-dlp") != 2 {
		t.Errorf("Expected a second retrieval, got %d calls", h.runner.Calls("yt-dlp"))
	}
}

func TestRetrievalTimeoutRetriedOnce(t *testing.T) {
	runner := &process.FakeRunner{}
	tools := fakeTools(t)
	runner.Handler = func(ctx context.Context, cmd process.Command) *process.Result {
		if cmd.Tool() == "yt-dlp" && runner.Calls("yt-dlp") == 1 {
			return &process.Result{Outcome: process.Timeout}
		}
		return tools(ctx, cmd)
	}
	h := newHarness(t, runner, Options{})

	if _, err := h.coord.GetOrProduce(context.Background(), "https://example.com/d.mp3"); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if h.runner.Calls("yt-dlp") != 2 {
		t.Errorf("Expected two retrieval attempts, got %d", h.runner.Calls("yt-dlp"))
	}
}

func TestRepeatedTimeoutIsTerminal(t *testing.T) {
	runner := &process.FakeRunner{
		Handler: func(ctx context.Context, cmd process.Command) *process.Result {
			return &process.Result{Outcome: process.Timeout}
		},
	}
	h := newHarness(t, runner, Options{})

	_, err := h.coord.GetOrProduce(context.Background(), "https://example.com/e.mp3")
	if model.KindOf(err) != model.KindTimeout {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if h.runner.Calls("yt-dlp") != 2 {
		t.Errorf("Expected exactly two attempts, got %d", h.runner.Calls("yt-dlp"))
	}
}

func TestInvalidSourceSpawnsNothing(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{}, Options{})

	_, err := h.coord.GetOrProduce(context.Background(), "ftp://example.com/x")
	if model.KindOf(err) != model.KindInvalidSource {
		t.Errorf("Expected invalid_source, got %v", err)
	}
	if h.runner.Calls("") != 0 {
		t.Error("Expected no subprocess for invalid source")
	}
}

func TestWaiterCancellationDoesNotStopJob(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{Delay: 150 * time.Millisecond}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.coord.GetOrProduce(ctx, "https://example.com/f.mp3")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	entry, err := h.coord.GetOrProduce(context.Background(), "https://example.com/f.mp3")
	if err != nil {
		t.Fatalf("GetOrProduce: %v", err)
	}
	if !entry.IsReady() {
		t.Errorf("Expected ready entry, got %+v", entry)
	}
	if h.runner.Calls("yt-dlp") != 1 {
		t.Errorf("Expected the original job to finish, got %d retrievals", h.runner.Calls("yt-dlp"))
	}
}

func TestCancelOrphanedJob(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{Delay: 5 * time.Second}, Options{CancelOrphaned: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.coord.GetOrProduce(ctx, "https://example.com/g.mp3"); err == nil {
		t.Fatal("Expected caller to give up")
	}
	if len(h.coord.Jobs()) != 0 {
		t.Fatal("Expected orphaned job to leave the table")
	}

	src, _ := source.Normalize("https://example.com/g.mp3")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := h.store.Status(src.Key); ok && st.Status == model.StatusFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := h.store.Status(src.Key)
	t.Errorf("Expected aborted reservation, got %+v", st)
}

func TestLateRequesterAfterOrphanedCancelSucceeds(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{Delay: 300 * time.Millisecond}, Options{CancelOrphaned: true})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := h.coord.GetOrProduce(ctx, "https://example.com/late.mp3"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	// 被取消的任务还在退出，后来的请求必须开始新任务而不是拿到它的 canceled
	entry, err := h.coord.GetOrProduce(context.Background(), "https://example.com/late.mp3")
	if err != nil {
		t.Fatalf("Expected late requester to succeed, got %v", err)
	}
	if !entry.IsReady() {
		t.Errorf("Expected ready entry, got %+v", entry)
	}
	if h.runner.Calls("yt-dlp") != 2 {
		t.Errorf("Expected a fresh retrieval after the cancelled one, got %d", h.runner.Calls("yt-dlp"))
	}
}

func TestAcquiredEntrySurvivesLaterCommit(t *testing.T) {
	h := newHarnessWithPolicy(t, &process.FakeRunner{}, Options{}, storage.LRUPolicy{MaxEntries: 1})

	srcA, _ := source.Normalize("https://example.com/lease-a.mp3")
	lease, err := h.coord.Acquire(context.Background(), srcA)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	if _, err := h.coord.GetOrProduce(context.Background(), "https://example.com/lease-b.mp3"); err != nil {
		t.Fatalf("GetOrProduce: %v", err)
	}

	if _, ok := h.store.Status(srcA.Key); !ok {
		t.Fatal("Expected the leased entry to survive the second commit")
	}
	data, err := os.ReadFile(lease.Entry().Path)
	if err != nil || string(data) != encodedContent {
		t.Errorf("Expected leased artifact to be readable, got %q (%v)", data, err)
	}

	lease.Release()
	evicted := h.store.Enforce()
	if len(evicted) != 1 || evicted[0] != srcA.Key {
		t.Errorf("Expected A to be evicted once released, got %v", evicted)
	}
}

func TestOversizedArtifactIsStillServed(t *testing.T) {
	h := newHarnessWithPolicy(t, &process.FakeRunner{}, Options{}, storage.LRUPolicy{MaxBytes: 4})

	src, _ := source.Normalize("https://example.com/huge.mp3")
	lease, err := h.coord.Acquire(context.Background(), src)
	if err != nil {
		t.Fatalf("Expected oversized artifact to be handed out, got %v", err)
	}
	data, err := os.ReadFile(lease.Entry().Path)
	if err != nil || string(data) != encodedContent {
		t.Errorf("Expected artifact to exist while leased, got %q (%v)", data, err)
	}
	lease.Release()

	if evicted := h.store.Enforce(); len(evicted) != 1 {
		t.Errorf("Expected oversized artifact to be evicted after release, got %v", evicted)
	}
	if h.runner.Calls("yt-dlp") != 1 {
		t.Errorf("Expected a single production, got %d", h.runner.Calls("yt-dlp"))
	}
}

func TestJobsSnapshot(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{Delay: 200 * time.Millisecond}, Options{})

	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			h.coord.GetOrProduce(context.Background(), "https://example.com/h.mp3")
			done <- struct{}{}
		}()
	}

	var jobs []model.JobSnapshot
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		jobs = h.coord.Jobs()
		if len(jobs) == 1 && jobs[0].Waiters == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(jobs) != 1 || jobs[0].Waiters != 2 || jobs[0].Stage != model.StageRetrieving {
		t.Errorf("Unexpected snapshot %+v", jobs)
	}
	<-done
	<-done
}

func TestUnrelatedKeysRunInParallel(t *testing.T) {
	h := newHarness(t, &process.FakeRunner{Delay: 100 * time.Millisecond}, Options{})

	var wg sync.WaitGroup
	for _, src := range []string{"https://example.com/p1", "https://example.com/p2"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			if _, err := h.coord.GetOrProduce(context.Background(), src); err != nil {
				t.Errorf("%s: %v", src, err)
			}
		}(src)
	}
	wg.Wait()

	if h.runner.MaxInFlight() < 2 {
		t.Errorf("Expected distinct keys to overlap, max in flight %d", h.runner.MaxInFlight())
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []model.JobStage
}

func (o *recordingObserver) OnJobEvent(ev model.JobEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, ev.Stage)
}

func (o *recordingObserver) get() []model.JobStage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.JobStage(nil), o.stages...)
}

func TestObserverSeesStageTransitions(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, &process.FakeRunner{}, Options{})
	h.coord.AddObserver(obs)

	if _, err := h.coord.GetOrProduce(context.Background(), "https://example.com/i.mp3"); err != nil {
		t.Fatal(err)
	}
	want := []model.JobStage{model.StageRetrieving, model.StageTranscoding, model.StageStoring, model.StageDone}
	got := obs.get()
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stages = %v, want %v", got, want)
		}
	}
}

type fakeMirror struct {
	mu       sync.Mutex
	objects  map[model.CacheKey][]byte
	uploaded []model.CacheKey
}

func (m *fakeMirror) Fetch(ctx context.Context, key model.CacheKey, format, destDir string) (string, model.ArtifactMeta, error) {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return "", model.ArtifactMeta{}, storage.ErrNotMirrored
	}
	path := filepath.Join(destDir, "mirror."+format)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", model.ArtifactMeta{}, err
	}
	return path, model.ArtifactMeta{Format: format, Duration: 3}, nil
}

func (m *fakeMirror) Upload(ctx context.Context, entry model.TrackEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploaded = append(m.uploaded, entry.Key)
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []model.TrackRecord
}

func (h *fakeHistory) Record(ctx context.Context, rec *model.TrackRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *rec)
	return nil
}

func TestMirrorHitSkipsPipeline(t *testing.T) {
	src, _ := source.Normalize("https://example.com/j.mp3")
	mirror := &fakeMirror{objects: map[model.CacheKey][]byte{src.Key: []byte("from-mirror")}}
	h := newHarness(t, &process.FakeRunner{}, Options{Mirror: mirror})

	entry, err := h.coord.Produce(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if h.runner.Calls("") != 0 {
		t.Errorf("Expected no subprocess on mirror hit, got %d", h.runner.Calls(""))
	}
	if entry.Size != int64(len("from-mirror")) || entry.ContentType != "audio/mpeg" || entry.Duration != 3 {
		t.Errorf("Unexpected entry %+v", entry)
	}
}

func TestUploadAndHistoryAfterProduction(t *testing.T) {
	mirror := &fakeMirror{objects: map[model.CacheKey][]byte{}}
	history := &fakeHistory{}
	h := newHarness(t, &process.FakeRunner{}, Options{Mirror: mirror, History: history})

	entry, err := h.coord.GetOrProduce(context.Background(), "https://example.com/k.mp3")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mirror.mu.Lock()
		n := len(mirror.uploaded)
		mirror.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	if len(mirror.uploaded) != 1 || mirror.uploaded[0] != entry.Key {
		t.Errorf("Expected one upload of %s, got %v", entry.Key, mirror.uploaded)
	}
	if len(history.records) != 1 {
		t.Fatalf("Expected one history record, got %d", len(history.records))
	}
	rec := history.records[0]
	if rec.Status != string(model.StageDone) || rec.CacheKey != string(entry.Key) || rec.Size != entry.Size {
		t.Errorf("Unexpected record %+v", rec)
	}
}
