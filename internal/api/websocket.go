package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"playbookd/internal/engine"
	"playbookd/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Authn/z and origin policy live in the fronting portal layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsMessage is the envelope pushed to WebSocket clients.
type wsMessage struct {
	Type string       `json:"type"` // "event" or "pong"
	Data stream.Event `json:"data,omitempty"`
}

// HandleWebSocket subscribes a client to a task's live output over a
// WebSocket. Same event feed as the SSE endpoint; the connection closes
// after the terminal status event is delivered.
//
// GET /ws/tasks/{id}
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ch, cancelSub, err := h.engine.Subscribe(id)
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	defer cancelSub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("task_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log.Debug().Str("task_id", id).Msg("websocket subscriber connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	writePump(ctx, conn, ch)
}

// readPump consumes client frames: it answers application-level pings and
// cancels the connection context when the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		var req map[string]any
		if json.Unmarshal(msg, &req) == nil && req["type"] == "ping" {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, ch <-chan stream.Event) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-ch:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsMessage{Type: "event", Data: ev}); err != nil {
				log.Debug().Err(err).Msg("websocket write error")
				return
			}
			if ev.Type == stream.EventStatus && engine.IsTerminal(ev.Status) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}
