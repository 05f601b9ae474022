package server

import (
	"net/http"
	"sync"
	"time"

	"tubefm/logger"
	"tubefm/model"

	"github.com/gorilla/websocket"
)

const (
	wsSendQueue  = 64
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// JobHub 把任务阶段事件广播给 websocket 订阅者，实现 job.Observer
type JobHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan model.JobEvent
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewJobHub 创建任务事件广播中心
func NewJobHub() *JobHub {
	return &JobHub{clients: make(map[*wsClient]struct{})}
}

// OnJobEvent 广播事件，慢的客户端直接断开
func (h *JobHub) OnJobEvent(ev model.JobEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			logger.Warn("websocket 客户端跟不上事件，断开", logger.String("remote", c.conn.RemoteAddr().String()))
			go h.unregister(c)
		}
	}
}

// Clients 当前连接数
func (h *JobHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *JobHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *JobHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Close 断开所有订阅者
func (h *JobHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// JobEventsHandler 升级为 websocket 并以 JSON 推送任务事件，先发送当前进行中的任务
func (h *APIHandler) JobEventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	c := &wsClient{conn: conn, send: make(chan model.JobEvent, wsSendQueue)}
	for _, s := range h.coord.Jobs() {
		c.send <- model.JobEvent{
			JobID:     s.JobID,
			Key:       s.Key,
			SourceURL: s.SourceURL,
			Stage:     s.Stage,
			Waiters:   s.Waiters,
			StartedAt: s.StartedAt,
			At:        time.Now(),
		}
		if len(c.send) == cap(c.send) {
			break
		}
	}
	if !h.hub.register(c) {
		conn.Close()
		return
	}
	logger.Debug("websocket 订阅任务事件", logger.String("remote", r.RemoteAddr))

	go c.readPump(h.hub)
	c.writePump()
}

// readPump 只处理 pong 和关闭，客户端不发送业务消息
func (c *wsClient) readPump(hub *JobHub) {
	defer hub.unregister(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
