package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WS streams events for a turn over a WebSocket. The server closes
// the connection after the terminal event.
// GET /stream/ws?turn_id=<id>
func (h *StreamingHandler) WS(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)
	if p.turnID == "" {
		writeMessage(w, http.StatusBadRequest, "turn_id required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.mgr.Subscribe(p.turnID, subscriberBuffer)
	defer h.mgr.Unsubscribe(p.turnID, ch)

	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "turn finished"),
			time.Now().Add(time.Second))
	}

	last := p.lastID
	for _, ev := range h.backlog(p) {
		last = ev.Seq
		if p.wants(ev) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		if ev.Terminal() {
			closeNormal()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	// Reader pump discards client messages and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= last {
				continue
			}
			last = ev.Seq
			if p.wants(ev) {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
			if ev.Terminal() {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
