package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-fatigue/modules/previewbus"
	"github.com/e7canasta/orion-fatigue/modules/report"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// wsMaxRate caps messages per second per client; views in between are
	// skipped.
	wsMaxRate = 15
)

// wsMessage is one websocket push.
type wsMessage struct {
	Type      string               `json:"type"` // welcome, frame, record
	ClientID  string               `json:"client_id,omitempty"`
	Seq       uint64               `json:"seq,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Width     int                  `json:"width,omitempty"`
	Height    int                  `json:"height,omitempty"`
	Record    *report.FramePayload `json:"record,omitempty"`
}

func viewMessage(v previewbus.View) wsMessage {
	msg := wsMessage{Type: "frame", Timestamp: time.Now()}
	if v.Frame != nil {
		msg.Seq = v.Frame.Seq
		msg.Timestamp = v.Frame.Timestamp
		msg.Width = v.Frame.Width
		msg.Height = v.Frame.Height
	}
	if v.Record != nil {
		p := report.NewFramePayload(*v.Record)
		msg.Type = "record"
		msg.Record = &p
	}
	return msg
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpapi: websocket upgrade failed", "error", err)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	views := make(chan previewbus.View, 8)
	if err := s.bus.Subscribe("ws:"+clientID, views); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}

	s.wsClients.Add(1)
	slog.Info("httpapi: websocket client connected", "client_id", clientID)

	gone := make(chan struct{})
	go s.readPump(conn, gone)
	s.writePump(conn, clientID, views, gone)

	s.bus.Unsubscribe("ws:" + clientID)
	s.wsClients.Add(-1)
	conn.Close()
	slog.Info("httpapi: websocket client disconnected", "client_id", clientID)
}

// readPump drains control frames and reports when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("httpapi: websocket read failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, clientID string, views <-chan previewbus.View, gone <-chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v) == nil
	}

	if !write(wsMessage{Type: "welcome", ClientID: clientID, Timestamp: time.Now()}) {
		return
	}

	minGap := time.Second / wsMaxRate
	var last time.Time
	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case v := <-views:
			if time.Since(last) < minGap {
				continue
			}
			last = time.Now()
			if !write(viewMessage(v)) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
