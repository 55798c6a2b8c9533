package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wisefido-bpm/internal/broadcast"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sseKeepAlive = 15 * time.Second
	sseRetry     = 5 * time.Second

	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // 看板与 API 不同源
}

// StreamHandler 实时推送：每个连接是 hub 的一个观察者
type StreamHandler struct {
	hub    *broadcast.Hub
	logger *zap.Logger
}

func NewStreamHandler(hub *broadcast.Hub, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{hub: hub, logger: logger}
}

// SSE GET /api/stream
// 每个事件：id 为 seq，data 为 UpdateEvent JSON；空闲时每 15 秒发送注释保活
func (s *StreamHandler) SSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	obs := s.hub.Subscribe("sse:" + r.RemoteAddr)
	defer s.hub.Unsubscribe(obs)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", sseRetry.Milliseconds())
	flusher.Flush()

	s.logger.Info("SSE observer connected",
		zap.String("observer_id", obs.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)
	defer s.logger.Info("SSE observer disconnected",
		zap.String("observer_id", obs.ID()),
		zap.Uint64("dropped", obs.Dropped()),
	)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-obs.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to marshal update event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WebSocket GET /api/ws，每个文本帧是一个 UpdateEvent JSON
func (s *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn:   conn,
		obs:    s.hub.Subscribe("ws:" + r.RemoteAddr),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	s.logger.Info("WebSocket observer connected",
		zap.String("observer_id", c.obs.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go c.readPump()
	c.writePump()
	s.hub.Unsubscribe(c.obs)
	s.logger.Info("WebSocket observer disconnected",
		zap.String("observer_id", c.obs.ID()),
		zap.Uint64("dropped", c.obs.Dropped()),
	)
}

// wsClient 一个 websocket 连接
type wsClient struct {
	conn   *websocket.Conn
	obs    *broadcast.Observer
	done   chan struct{} // readPump 退出时关闭
	logger *zap.Logger
}

// readPump 只处理控制帧；客户端关闭或超时后退出
func (c *wsClient) readPump() {
	defer close(c.done)
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
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
		case <-c.done:
			return
		case ev, ok := <-c.obs.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
