package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"tubefm/config"
	"tubefm/core/job"
	"tubefm/core/stream"
	"tubefm/logger"
	"tubefm/metrics"
	"tubefm/model"
	"tubefm/repository"
	"tubefm/storage"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// APIHandler 所有 HTTP 处理器共享的依赖
type APIHandler struct {
	cfg      *config.Config
	store    *storage.TrackStore
	coord    *job.Coordinator
	writer   *stream.Writer
	hub      *JobHub
	history  repository.TrackHistoryRepository
	mirror   *storage.MinioMirror
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	limiter  *rate.Limiter
}

// NewAPIHandler 从组装好的 App 创建处理器
func NewAPIHandler(app *App) *APIHandler {
	h := &APIHandler{
		cfg:      app.Config,
		store:    app.Store,
		coord:    app.Coordinator,
		writer:   app.Writer,
		hub:      app.Hub,
		history:  app.History,
		mirror:   app.Mirror,
		metrics:  app.Metrics,
		gatherer: app.Registry,
	}
	if app.Config.RequestsPerSecond > 0 {
		burst := app.Config.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(app.Config.RequestsPerSecond), burst)
	}
	return h
}

// errorResponse 非 2xx 响应的 JSON 结构
type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

// statusFor 把流水线错误映射为 HTTP 状态码
func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidSource:
		return http.StatusBadRequest
	case model.KindNonZeroExit, model.KindIncompleteOutput, model.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	case model.KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 把错误转换为 JSON 响应，detail 中不暴露本地路径
func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)

	detail := model.ExcerptOf(err)
	if detail == "" && status < http.StatusInternalServerError {
		detail = err.Error()
	}
	detail = h.maskPaths(detail)

	writeJSON(w, status, errorResponse{
		Error:  http.StatusText(status),
		Kind:   string(kind),
		Detail: model.Sanitize(detail, model.MaxExcerptLen),
	})
}

func (h *APIHandler) maskPaths(s string) string {
	if h.store == nil || s == "" {
		return s
	}
	return strings.ReplaceAll(s, h.store.Root(), "<store>")
}
