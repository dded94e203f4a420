package server

import (
	"net/http"

	"github.com/aquasentry/aquasentry/server/alert"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// When we send a message on the websocket, it's one of these.
// SYNC-ALERT-WEBSOCKET-MESSAGE
type webSocketSendMessage struct {
	Type       string            `json:"type"` // "hello" or "transition"
	Status     *statusJSON       `json:"status,omitempty"`
	Transition *alert.Transition `json:"transition,omitempty"`
}

// Push alert transitions to the client as they happen. The first message is
// a "hello" carrying the full current status, so the client doesn't need a
// separate poll to draw its initial view.
func (s *Server) httpAlertWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.Monitor.AddWatcher()
	defer s.Monitor.RemoveWatcher(ch)

	// Detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	status := s.Monitor.Status()
	hello := webSocketSendMessage{
		Type: "hello",
		Status: &statusJSON{
			Status:          status,
			StateName:       status.Session.State.String(),
			SignalPort:      s.Transmitter.PortName(),
			SignalConnected: s.Transmitter.Connected(),
		},
	}
	if err := conn.WriteJSON(&hello); err != nil {
		return
	}

	for {
		select {
		case tr := <-ch:
			msg := webSocketSendMessage{
				Type:       "transition",
				Transition: &tr,
			}
			if err := conn.WriteJSON(&msg); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
