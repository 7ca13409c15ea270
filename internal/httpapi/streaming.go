package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/streaming"
)

const (
	sseHeartbeat     = 15 * time.Second
	subscriberBuffer = 256
)

// StreamingHandler serves SSE and WebSocket endpoints for turn events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// streamParams are the query options shared by SSE and WebSocket.
type streamParams struct {
	turnID string
	types  map[string]struct{}
	lastID uint64
}

func parseStreamParams(r *http.Request) streamParams {
	q := r.URL.Query()
	p := streamParams{turnID: q.Get("turn_id"), types: map[string]struct{}{}}
	if s := q.Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if v := q.Get("last_event_id"); v != "" && p.lastID == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			p.lastID = n
		}
	}
	return p
}

func (p streamParams) wants(ev streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[ev.Type]
	return ok
}

// backlog returns the events to send before live ones. A subscriber that
// connects after the turn started gets everything published so far.
func (h *StreamingHandler) backlog(p streamParams) []streaming.Event {
	return h.mgr.ReplaySince(p.turnID, p.lastID)
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

// SSE streams events for a turn via Server-Sent Events until the turn
// ends or the client goes away.
// GET /stream/sse?turn_id=<id>
func (h *StreamingHandler) SSE(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)
	if p.turnID == "" {
		writeMessage(w, http.StatusBadRequest, "turn_id required")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch := h.mgr.Subscribe(p.turnID, subscriberBuffer)
	defer h.mgr.Unsubscribe(p.turnID, ch)

	fmt.Fprintf(w, ": connected to turn %s\n\n", p.turnID)
	flusher.Flush()

	last := p.lastID
	for _, ev := range h.backlog(p) {
		last = ev.Seq
		if p.wants(ev) {
			writeSSE(w, ev)
		}
		if ev.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("turn_id", p.turnID))
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
				writeSSE(w, ev)
				flusher.Flush()
			}
			if ev.Terminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
