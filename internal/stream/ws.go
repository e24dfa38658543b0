package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Serve upgrades the request and streams the session's events until the
// client goes away. Clients only listen; anything they send is ignored.
func (h *Hub) Serve(c echo.Context, sessionID string) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade websocket")
		return err
	}

	conn := h.NewConnection(ws, sessionID)
	h.Register(conn)
	ws.SetReadLimit(maxMessageSize)

	go h.writePump(conn)
	h.readPump(conn)
	return nil
}

func (h *Hub) readPump(conn *Connection) {
	defer func() {
		h.Unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("conn_id", conn.ID).Msg("Websocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("conn_id", conn.ID).Msg("Failed to write stream message")
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
