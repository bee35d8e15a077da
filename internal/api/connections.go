package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// client is one live push-variant socket. gorilla/websocket allows a single
// concurrent writer, so data frames go through mu.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn}
}

func (c *client) send(msg types.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ConnectionManager handles active WebSocket connections for routing.
type ConnectionManager struct {
	conns   map[types.PeerID]*client
	connsMu sync.RWMutex
	logger  *slog.Logger
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		conns:  make(map[types.PeerID]*client),
		logger: logger,
	}
}

// Add registers a connection for a peer, returning the connection it
// replaced, if any.
func (cm *ConnectionManager) Add(peerID types.PeerID, c *client) *client {
	cm.connsMu.Lock()
	defer cm.connsMu.Unlock()
	old := cm.conns[peerID]
	cm.conns[peerID] = c
	if old == c {
		return nil
	}
	return old
}

// Remove unregisters c for a peer. It reports false if the peer has since
// been bound to a different connection.
func (cm *ConnectionManager) Remove(peerID types.PeerID, c *client) bool {
	cm.connsMu.Lock()
	defer cm.connsMu.Unlock()
	if cm.conns[peerID] != c {
		return false
	}
	delete(cm.conns, peerID)
	return true
}

// Close drops and closes the peer's connection.
func (cm *ConnectionManager) Close(peerID types.PeerID) {
	cm.connsMu.Lock()
	c, ok := cm.conns[peerID]
	delete(cm.conns, peerID)
	cm.connsMu.Unlock()

	if ok {
		c.conn.Close()
	}
}

// SendTo sends a message to a specific peer. Messages for peers without a
// live connection are dropped.
func (cm *ConnectionManager) SendTo(peerID types.PeerID, msg types.Signal) bool {
	cm.connsMu.RLock()
	c, ok := cm.conns[peerID]
	cm.connsMu.RUnlock()

	if !ok {
		return false
	}

	if err := c.send(msg); err != nil {
		cm.logger.Warn("failed to send to peer", "peer", peerID, "type", msg.Type, "error", err)
		return false
	}
	return true
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.connsMu.RLock()
	defer cm.connsMu.RUnlock()
	return len(cm.conns)
}
