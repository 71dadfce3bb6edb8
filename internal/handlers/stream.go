package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mongoferry/mongoferry/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard runs on a different origin; CORS policy is enforced at
	// the router level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type StreamHandler struct {
	hub    *telemetry.Hub
	logger zerolog.Logger
}

func NewStreamHandler(hub *telemetry.Hub, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{hub: hub, logger: logger}
}

// Events upgrades to a websocket and relays one job's telemetry, one JSON
// message per event. The connection closes normally after the terminal
// event; a subscriber attaching to a finished job gets just that event.
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	sub, err := h.hub.Subscribe(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	defer sub.Cancel()

	// The read pump discards client messages; it exists to notice the peer
	// going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job ended"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
