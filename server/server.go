package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tubefm/config"
	"tubefm/logger"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 在 gorilla/mux 路由上注册所有接口
func NewRouter(h *APIHandler) *mux.Router {
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, ETag")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 小时

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	router.Use(h.metricsMiddleware)

	// 音频流
	router.HandleFunc("/youtube/{id}", h.YouTubeStreamHandler).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	router.HandleFunc("/stream", h.StreamHandler).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)

	// 查询接口
	router.HandleFunc("/api/tracks", h.ListTracksHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{key}", h.GetTrackHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs", h.ListJobsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/history", h.ListHistoryHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/jobs", h.JobEventsHandler).Methods(http.MethodGet)

	// 管理接口
	router.HandleFunc("/api/tracks/{key}", h.AdminMiddleware(h.DeleteTrackHandler)).Methods(http.MethodDelete, http.MethodOptions)
	router.HandleFunc("/api/cache/evict", h.AdminMiddleware(h.EvictHandler)).Methods(http.MethodPost, http.MethodOptions)

	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)

	return router
}

// HealthHandler 处理 GET /healthz
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	bytes, count := h.store.Usage()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"jobs":    len(h.coord.Jobs()),
		"entries": count,
		"bytes":   bytes,
	})
}

// statusRecorder 记录响应码供指标使用
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack 让 websocket 升级可以拿到原始连接
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (h *APIHandler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.metrics.ObserveRequest(route, strconv.Itoa(rec.status))
	})
}

// Start 组装应用并启动 HTTP 服务，收到 SIGINT 或 SIGTERM 时优雅退出
func Start(cfg *config.Config) error {
	app, err := NewApp(cfg, AppOptions{Integrations: true, Watch: true})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      NewRouter(NewAPIHandler(app)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("服务启动", logger.String("addr", cfg.ListenAddr), logger.String("format", cfg.AudioFormat))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-stop:
		logger.Info("正在关闭服务...")
	case err := <-serveErr:
		if err != nil {
			logger.Error("服务启动失败", logger.ErrorField(err))
			app.Close(context.Background())
			return err
		}
	}

	// 先停止接收请求，再取消正在运行的任务
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("HTTP 服务未能优雅关闭", logger.ErrorField(err))
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := app.Close(closeCtx); err != nil {
		logger.Warn("关闭组件时出错", logger.ErrorField(err))
	}
	logger.Info("服务已停止")
	return nil
}
