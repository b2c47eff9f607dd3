package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"webgate/internal/core"
	"webgate/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	// Clients ping every 20s; three missed pings end the channel.
	readWait = 60 * time.Second
)

// ChannelHandler serves the sync channel: it subscribes the connection to the
// hub, writes every queued state frame, and answers pings.
type ChannelHandler struct {
	Hub      *core.Hub
	Upgrader websocket.Upgrader
}

func (h *ChannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("sync channel upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	sub := h.Hub.Subscribe(r.RemoteAddr)
	defer h.Hub.Unsubscribe(sub)
	slog.Info("sync client connected", "subscriber_id", sub.ID, "remote", r.RemoteAddr)

	doneWriter := make(chan struct{})
	go func() {
		defer close(doneWriter)
		for {
			select {
			case <-sub.Done():
				// Dropped by the hub or the reader exited; unblock the reader.
				_ = conn.Close()
				return
			case msg := <-sub.Send:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("sync client disconnected", "subscriber_id", sub.ID, "remote", r.RemoteAddr, "err", err)
			} else {
				slog.Info("sync client disconnected", "subscriber_id", sub.ID, "remote", r.RemoteAddr)
			}
			h.Hub.Unsubscribe(sub)
			<-doneWriter
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypePing:
			h.Hub.Reply(sub, protocol.ServerMessage{Type: protocol.TypePong})
		default:
		}
	}
}
