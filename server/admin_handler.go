package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tubefm/core/auth"
	"tubefm/logger"
	"tubefm/model"
	"tubefm/storage"

	"github.com/gorilla/mux"
)

type contextKey string

const subjectKey contextKey = "subject"

// AdminMiddleware 校验 Authorization 头中的管理员 JWT
func (h *APIHandler) AdminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authorization header is required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid authorization header format"})
			return
		}

		claims, err := auth.ParseToken(h.cfg.AdminJWTSecret, parts[1])
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
			return
		}
		if claims.Role != auth.RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "Admin role required"})
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// SubjectFromContext 取出管理令牌的主体
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

type storeUsage struct {
	Bytes   int64 `json:"bytes"`
	Entries int   `json:"entries"`
}

// ListTracksHandler 处理 GET /api/tracks
func (h *APIHandler) ListTracksHandler(w http.ResponseWriter, r *http.Request) {
	bytes, count := h.store.Usage()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tracks": h.store.Entries(),
		"usage":  storeUsage{Bytes: bytes, Entries: count},
	})
}

// GetTrackHandler GET /api/tracks/{key}，包括 Pending 和 Failed 状态
func (h *APIHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	key := model.CacheKey(mux.Vars(r)["key"])
	entry, ok := h.store.Status(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "track not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListJobsHandler 处理 GET /api/jobs
func (h *APIHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": h.coord.Jobs()})
}

// ListHistoryHandler 处理 GET /api/history?limit=n
func (h *APIHandler) ListHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history is not enabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var (
		records []*model.TrackRecord
		err     error
	)
	if key := r.URL.Query().Get("key"); key != "" {
		records, err = h.history.ListByKey(r.Context(), model.CacheKey(key), limit)
	} else {
		records, err = h.history.ListRecent(r.Context(), limit)
	}
	if err != nil {
		logger.Error("查询生产记录失败", logger.ErrorField(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to query history"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// DeleteTrackHandler 处理 DELETE /api/tracks/{key}[?remote=true]
func (h *APIHandler) DeleteTrackHandler(w http.ResponseWriter, r *http.Request) {
	key := model.CacheKey(mux.Vars(r)["key"])
	entry, _ := h.store.Status(key)

	err := h.store.Evict(key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "track not found"})
		return
	case errors.Is(err, storage.ErrInUse):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "track is being streamed"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	remote := false
	if r.URL.Query().Get("remote") == "true" && h.mirror != nil && entry != nil {
		if err := h.mirror.Delete(r.Context(), key, entry.Format); err != nil {
			logger.Warn("删除 MinIO 副本失败", logger.String("key", string(key)), logger.ErrorField(err))
		} else {
			remote = true
		}
	}

	logger.Info("管理员删除缓存条目",
		logger.String("key", string(key)),
		logger.String("by", SubjectFromContext(r.Context())),
		logger.Bool("remote", remote))
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": key, "remote": remote})
}

// EvictHandler POST /api/cache/evict 立即执行一次淘汰
func (h *APIHandler) EvictHandler(w http.ResponseWriter, r *http.Request) {
	evicted := h.store.Enforce()
	bytes, count := h.store.Usage()
	logger.Info("管理员触发淘汰",
		logger.Int("evicted", len(evicted)),
		logger.String("by", SubjectFromContext(r.Context())))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evicted": evicted,
		"usage":   storeUsage{Bytes: bytes, Entries: count},
	})
}
