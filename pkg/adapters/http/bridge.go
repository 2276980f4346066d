package http

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// bridgeFrame is one widget notification relayed by the page.
type bridgeFrame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge relays widget notifications from a page over a WebSocket onto the
// bus. Frames are handled in order; a bad frame is reported and skipped.
func (s *Server) Bridge(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Bridge: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxNotificationSize)

	s.logger.Info("Bridge: page connected", "remote", r.RemoteAddr)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Bridge: read ended", "err", err)
			}
			return
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Channel == "" {
			_ = conn.WriteJSON(errorResponse{Error: "frame must be {\"channel\": string, \"payload\": any}"})
			continue
		}
		payload := []byte(frame.Payload)
		if len(payload) == 0 {
			payload = []byte("null")
		}
		if err := s.bus.Publish(r.Context(), frame.Channel, payload); err != nil {
			s.logger.Error("Bridge: publish failed", "channel", frame.Channel, "err", err)
			_ = conn.WriteJSON(errorResponse{Error: "publish failed"})
		}
	}
}
