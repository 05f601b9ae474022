package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"tubefm/core/source"
	"tubefm/core/stream"
	"tubefm/logger"
	"tubefm/model"

	"github.com/gorilla/mux"
)

// YouTubeStreamHandler 处理 /youtube/{id}
func (h *APIHandler) YouTubeStreamHandler(w http.ResponseWriter, r *http.Request) {
	src, err := source.FromVideoID(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.serveSource(w, r, src)
}

// StreamHandler 处理 /stream?src=<url-or-id>
func (h *APIHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("src")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "src query parameter is required", Kind: string(model.KindInvalidSource)})
		return
	}
	src, err := source.Normalize(raw)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.serveSource(w, r, src)
}

func (h *APIHandler) serveSource(w http.ResponseWriter, r *http.Request, src source.Source) {
	rng, err := stream.ParseRange(r.Header.Get("Range"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid Range header", Detail: model.Sanitize(r.Header.Get("Range"), model.MaxExcerptLen)})
		return
	}

	// 只有需要生产的请求才受限流约束，已缓存的直接播放
	if h.limiter != nil {
		if e, ok := h.store.Status(src.Key); !ok || !e.IsReady() {
			if !h.limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: http.StatusText(http.StatusTooManyRequests)})
				return
			}
		}
	}

	// 租约从生产完成一直持有到流关闭，期间条目不会被淘汰
	lease, err := h.coord.Acquire(r.Context(), src)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			logger.Debug("客户端在生产完成前断开", logger.String("key", string(src.Key)))
			return
		}
		h.writeError(w, err)
		return
	}
	entry := lease.Entry()

	etag := `"` + string(entry.Key) + `"`
	if rng == nil && r.Header.Get("If-None-Match") == etag {
		lease.Release()
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	st, err := h.writer.Open(lease, rng)
	if err != nil {
		if size, ok := stream.UnsatisfiedSize(err); ok {
			w.Header().Set("Content-Range", stream.UnsatisfiedRange(size))
		}
		h.writeError(w, err)
		return
	}
	defer st.Close()

	header := w.Header()
	header.Set("Content-Type", entry.ContentType)
	header.Set("Content-Length", strconv.FormatInt(st.Length(), 10))
	header.Set("Accept-Ranges", "bytes")
	header.Set("ETag", etag)
	header.Set("Cache-Control", "public, max-age=86400")

	status := http.StatusOK
	if st.Partial() {
		header.Set("Content-Range", st.ContentRange())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	if n, err := io.Copy(w, st); err != nil {
		// 客户端中途断开很常见
		logger.Debug("音频传输中断",
			logger.String("key", string(entry.Key)),
			logger.Int64("sent", n),
			logger.ErrorField(err))
	}
}
