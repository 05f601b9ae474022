package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"tubefm/config"
	"tubefm/core/audio"
	"tubefm/core/job"
	"tubefm/core/process"
	"tubefm/core/stream"
	"tubefm/metrics"
	"tubefm/storage"

	"github.com/prometheus/client_golang/prometheus"
)

const testVideoID = "dQw4w9WgXcQ"

// payload 是假 ffmpeg 写出的内容：1000 字节，第 i 个字节为 i%251
var payload = func() []byte {
	b := make([]byte, 1000)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}()

// fakeTools 模拟 yt-dlp 和 ffmpeg，failWith 非空时作为 yt-dlp 的结果
func fakeTools(t *testing.T, failWith *process.Result) func(context.Context, process.Command) *process.Result {
	return func(ctx context.Context, cmd process.Command) *process.Result {
		switch cmd.Tool() {
		case "yt-dlp":
			if failWith != nil {
				return failWith
			}
			for i, a := range cmd.Args {
				if a == "-o" {
					out := strings.Replace(cmd.Args[i+1], "%(ext)s", "webm", 1)
					if err := os.WriteFile(out, []byte("raw"), 0644); err != nil {
						t.Errorf("fake yt-dlp: %v", err)
					}
				}
			}
		case "ffmpeg":
			out := cmd.Args[len(cmd.Args)-1]
			if err := os.WriteFile(out, payload, 0644); err != nil {
				t.Errorf("fake ffmpeg: %v", err)
			}
		}
		return nil
	}
}

type testEnv struct {
	app     *App
	runner  *process.FakeRunner
	handler *APIHandler
	server  *httptest.Server
}

func newTestEnv(t *testing.T, runner *process.FakeRunner, mutate func(*config.Config)) *testEnv {
	t.Helper()
	if runner.Handler == nil {
		runner.Handler = fakeTools(t, nil)
	}
	cfg := &config.Config{
		AudioFormat:    "mp3",
		AdminJWTSecret: "test-secret",
		AdminTokenTTL:  time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	store, err := storage.NewTrackStore(storage.Options{
		Root:    t.TempDir(),
		Metrics: m,
		Policy:  storage.LRUPolicy{MaxBytes: cfg.StoreMaxBytes, MaxEntries: cfg.StoreMaxEntries},
	})
	if err != nil {
		t.Fatal(err)
	}
	hub := NewJobHub()
	retriever := audio.NewRetriever(runner, audio.RetrieverOptions{Retries: 0})
	transcoder := audio.NewTranscoder(runner, audio.TranscoderOptions{})
	app := &App{
		Config:   cfg,
		Registry: reg,
		Metrics:  m,
		Store:    store,
		Writer:   stream.NewWriter(store),
		Hub:      hub,
		Coordinator: job.NewCoordinator(store, retriever, transcoder, job.Options{
			Format:    "mp3",
			Metrics:   m,
			Observers: []job.Observer{hub},
		}),
	}

	h := NewAPIHandler(app)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Close(ctx)
	})
	return &testEnv{app: app, runner: runner, handler: h, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, &process.FakeRunner{}, nil)

	resp := env.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("Unexpected health body %v", body)
	}

	resp = env.do(t, http.MethodGet, "/metrics", nil)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `tubefm_http_requests_total{code="200",route="/healthz"} 1`) {
		t.Errorf("Expected request counter for /healthz in metrics output")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &process.FakeRunner{}, nil)

	resp := env.do(t, http.MethodOptions, "/youtube/"+testVideoID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header on preflight")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Range") {
		t.Error("Expected Range to be an allowed header")
	}
	if env.runner.Calls("") != 0 {
		t.Error("Preflight must not start production")
	}
}
