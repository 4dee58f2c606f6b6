// history_handler.go -- History snapshot and live stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePingInterval = 30 * time.Second
	livePongTimeout  = livePingInterval + liveWriteTimeout
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// ListHistory handles GET /history -- balance plus rows, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := mustUser(w, r)
	if !ok {
		return
	}
	now, ok := h.evaluationTime(w, r)
	if !ok {
		return
	}
	v, err := h.History.View(r.Context(), userID, now)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, v)
}

// LiveHistory handles GET /history/live -- upgrades to a websocket and pushes
// a full history view on connect and after every ledger change. Client
// messages are ignored; closing the socket ends the subscription.
func (h *Handler) LiveHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := mustUser(w, r)
	if !ok {
		return
	}
	if h.Live == nil {
		writeJSON(w, r, http.StatusNotFound, errorBody{Error: "not_found", Message: "live updates are disabled"})
		return
	}

	// Hijacked connections outlive the request context's usual cancellation,
	// so the read loop below cancels it on disconnect.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before upgrading so failures still get a normal HTTP status.
	views, err := h.Live.Subscribe(ctx, userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logWarn(r, "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	logInfo(r, "live history connected")

	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(livePongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case v, ok := <-views:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(liveWriteTimeout))
				logInfo(r, "live history closed")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteJSON(v); err != nil {
				logDebug(r, "live history write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
				return
			}
		}
	}
}
