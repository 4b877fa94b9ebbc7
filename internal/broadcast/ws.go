package broadcast

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// ClientMessage is an inbound subscription change from a session.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// WebSocketHandler upgrades HTTP requests to websocket sessions on a Hub.
// Initial topics come from repeated ?topic= query parameters.
type WebSocketHandler struct {
	hub      *Hub
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
	buffer   int
}

func NewWebSocketHandler(hub *Hub, log logrus.FieldLogger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks belong to the gateway in front of the core.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		buffer: DefaultSendBuffer,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var topics []string
	for _, t := range r.URL.Query()["topic"] {
		if ValidTopic(t) {
			topics = append(topics, t)
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	session := NewSession(uuid.NewString(), h.buffer)
	h.hub.Register(session, topics...)
	h.log.WithFields(logrus.Fields{"session": session.ID, "topics": topics}).Debug("session connected")

	go h.writePump(session, conn)
	go h.readPump(session, conn)
}

func (h *WebSocketHandler) readPump(s *Session, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(s)
		conn.Close()
		h.log.WithFields(logrus.Fields{"session": s.ID, "dropped": s.Dropped()}).Debug("session closed")
	}()

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		topics := make([]string, 0, len(msg.Topics))
		for _, t := range msg.Topics {
			if ValidTopic(t) {
				topics = append(topics, t)
			}
		}

		switch msg.Action {
		case "subscribe":
			h.hub.Subscribe(s, topics...)
		case "unsubscribe":
			h.hub.Unsubscribe(s, topics...)
		}
	}
}

func (h *WebSocketHandler) writePump(s *Session, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
