// Package stream pushes run events to websocket clients watching a session.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const sendBuffer = 256

// Connection is one websocket client bound to a session.
type Connection struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	mu        sync.Mutex
}

// Hub tracks websocket connections per session.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	sessions    map[string]map[string]*Connection
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]*Connection),
	}
}

// NewConnection wraps ws for sessionID. It is not yet registered.
func (h *Hub) NewConnection(ws *websocket.Conn, sessionID string) *Connection {
	return &Connection{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Conn:      ws,
		Send:      make(chan []byte, sendBuffer),
	}
}

// Register adds conn to the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID] = conn
	if h.sessions[conn.SessionID] == nil {
		h.sessions[conn.SessionID] = make(map[string]*Connection)
	}
	h.sessions[conn.SessionID][conn.ID] = conn
	log.Debug().Str("conn_id", conn.ID).Str("session_id", conn.SessionID).Msg("Stream connection registered")
}

// Unregister removes conn and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(conn)
}

func (h *Hub) unregisterLocked(conn *Connection) {
	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	delete(h.connections, conn.ID)
	if conns := h.sessions[conn.SessionID]; conns != nil {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(h.sessions, conn.SessionID)
		}
	}
	close(conn.Send)
	log.Debug().Str("conn_id", conn.ID).Msg("Stream connection unregistered")
}

// Broadcast queues data for every connection of a session. A connection whose
// buffer is full is dropped rather than slowing the publisher down.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.sessions[sessionID] {
		select {
		case conn.Send <- data:
		default:
			log.Warn().Str("conn_id", conn.ID).Msg("Stream connection buffer full, closing")
			h.unregisterLocked(conn)
		}
	}
}

// BroadcastJSON sends a JSON message to all connections of a session.
func (h *Hub) BroadcastJSON(sessionID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(sessionID, data)
	return nil
}

// Forward relays events to the matching sessions until the channel closes or
// ctx ends. Events for sessions nobody watches are dropped unencoded.
func (h *Hub) Forward(ctx context.Context, events <-chan domain.RunEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !h.HasActiveConnections(ev.SessionID) {
				continue
			}
			if err := h.BroadcastJSON(ev.SessionID, ev); err != nil {
				log.Error().Err(err).Str("run_id", ev.RunID).Msg("Failed to encode stream event")
			}
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasActiveConnections checks if a session has any active connections.
func (h *Hub) HasActiveConnections(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID]) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
