package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 << 10

// handleWebSocket handles the upgrade and connection lifecycle.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.handleConnection(conn)
}

// handleConnection manages one push client until its socket closes.
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()
	s.logger.Debug("handling new connection", "remote", conn.RemoteAddr().String())

	c := newClient(conn)
	var currentPeerID types.PeerID

	defer func() {
		if currentPeerID != "" && s.connMgr.Remove(currentPeerID, c) {
			s.leave(currentPeerID)
		}
	}()

	conn.SetReadLimit(maxFrameSize)
	if s.cfg.PingInterval > 0 {
		pongWait := 2 * s.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			if currentPeerID != "" {
				s.store.Touch(currentPeerID)
			}
			return nil
		})

		stop := make(chan struct{})
		defer close(stop)
		go s.pingLoop(c, stop)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "peer", currentPeerID, "error", err)
			}
			return
		}

		var msg types.Signal
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(types.Signal{Type: types.SignalError, Error: "Invalid message format"})
			continue
		}

		switch {
		case msg.Type == types.SignalJoin:
			peerID := msg.PeerID
			if peerID == "" {
				peerID = msg.From
			}
			m := types.Member{
				PeerID:    peerID,
				Nickname:  msg.Nickname,
				Room:      msg.Room,
				Transport: types.TransportPush,
			}
			if m.PeerID == "" || m.Nickname == "" || m.Room == "" {
				c.send(types.Signal{Type: types.SignalError, Error: "Missing required fields"})
				continue
			}

			// A socket may rejoin under a new identity.
			if currentPeerID != "" && currentPeerID != m.PeerID && s.connMgr.Remove(currentPeerID, c) {
				s.leave(currentPeerID)
			}
			currentPeerID = m.PeerID
			if old := s.connMgr.Add(m.PeerID, c); old != nil {
				old.conn.Close()
			}

			roster, err := s.join(m)
			if err != nil {
				c.send(types.Signal{Type: types.SignalError, Error: err.Error()})
				continue
			}
			c.send(types.Signal{Type: types.SignalPeers, Peers: roster, Room: m.Room})

		case msg.Type.Relayable():
			if currentPeerID == "" {
				c.send(types.Signal{Type: types.SignalError, Error: "Join a room first"})
				continue
			}
			if msg.To == "" {
				c.send(types.Signal{Type: types.SignalError, Error: "Missing recipient"})
				continue
			}
			msg.From = currentPeerID
			s.store.Touch(currentPeerID)
			s.deliver(msg.To, msg)

		default:
			c.send(types.Signal{Type: types.SignalError, Error: "Invalid message format"})
		}
	}
}

func (s *Server) pingLoop(c *client, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
