package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured by the proxy in prod
}

// eventCursor filters and de-duplicates events across replay and live
// delivery.
type eventCursor struct {
	types map[string]struct{}
	last  uint64
}

func newEventCursor(r *http.Request) *eventCursor {
	c := &eventCursor{types: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.types[t] = struct{}{}
			}
		}
	}
	lei := r.Header.Get("Last-Event-ID")
	if lei == "" {
		lei = r.URL.Query().Get("last_event_id")
	}
	if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
		c.last = n
	}
	return c
}

// accept reports whether ev should be delivered and advances the cursor.
func (c *eventCursor) accept(ev streaming.Event) bool {
	if ev.Seq != 0 && ev.Seq <= c.last {
		return false
	}
	if ev.Seq > c.last {
		c.last = ev.Seq
	}
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[ev.Type]
	return ok
}

// handleSSE streams events for a workflow via Server-Sent Events, replaying
// history after Last-Event-ID and closing after the terminal event.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	wf := mux.Vars(r)["id"]
	if _, err := h.svc.GetStatus(r.Context(), wf); err != nil {
		h.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	cursor := newEventCursor(r)
	ch := h.events.Subscribe(wf, 256)
	defer h.events.Unsubscribe(wf, ch)

	fmt.Fprintf(w, ": connected to workflow %s\n\n", wf)
	for _, ev := range h.events.ReplaySince(r.Context(), wf, cursor.last) {
		if !cursor.accept(ev) {
			continue
		}
		writeSSE(w, ev)
		if ev.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected", zap.String("workflow_id", wf))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !cursor.accept(ev) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	wf := mux.Vars(r)["id"]
	if _, err := h.svc.GetStatus(r.Context(), wf); err != nil {
		h.fail(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	cursor := newEventCursor(r)
	ch := h.events.Subscribe(wf, 256)
	defer h.events.Unsubscribe(wf, ch)

	for _, ev := range h.events.ReplaySince(r.Context(), wf, cursor.last) {
		if !cursor.accept(ev) {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil || ev.Terminal() {
			closeWS(conn)
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(4 * heartbeatInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(4 * heartbeatInterval))
	})

	// client messages are discarded; the reader only notices disconnects
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
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
			if !cursor.accept(ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Terminal() {
				closeWS(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "workflow finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
