package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketSignaler keeps one persistent socket to the service and
// reconnects after a fixed delay whenever it drops.
type WebSocketSignaler struct {
	handlers
	opts   Options
	logger *slog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex // protects conn and serializes writes
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebSocketSignaler creates a push-variant signaler.
func NewWebSocketSignaler(opts Options) *WebSocketSignaler {
	opts.setDefaults()
	return &WebSocketSignaler{
		opts:   opts,
		logger: opts.Logger.With("component", "signaling", "mode", ModeWebSocket),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (s *WebSocketSignaler) Mode() Mode { return ModeWebSocket }

// Connect dials the service and joins the room. The returned error reports
// the first attempt only; reconnection continues until Disconnect.
func (s *WebSocketSignaler) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	first := make(chan error, 1)
	go s.run(runCtx, first)
	return <-first
}

func (s *WebSocketSignaler) run(ctx context.Context, first chan<- error) {
	defer close(s.done)

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	for {
		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("signaling dial failed", "url", s.opts.URL, "error", err)
			s.status(StatusError)
			report(err)
		} else {
			report(nil)
			// Unblocks the read when Stop races a fresh dial.
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			s.readLoop(conn)
			stop()

			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()

			if ctx.Err() != nil {
				return
			}
			s.status(StatusDisconnected)
		}

		if !sleep(ctx, s.opts.ReconnectDelay) {
			return
		}
		s.logger.Debug("reconnecting to signaling server")
	}
}

// dial connects and writes JOIN before the socket is published, so no
// Send can reach the service ahead of it.
func (s *WebSocketSignaler) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}

	join := types.Signal{
		Type:     types.SignalJoin,
		Room:     s.opts.Room,
		PeerID:   s.opts.PeerID,
		Nickname: s.opts.Nickname,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending join: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.status(StatusConnectedWebSocket)
	return conn, nil
}

func (s *WebSocketSignaler) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("signaling read ended", "error", err)
			}
			return
		}

		var msg types.Signal
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("error parsing signal message", "error", err)
			continue
		}
		s.emit(msg)
	}
}

// Send writes msg to the socket. Messages sent while disconnected are
// dropped with ErrNotConnected.
func (s *WebSocketSignaler) Send(msg types.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// Stop cancels reconnection and closes the socket. Closing the socket is
// how the service learns we left, so Disconnect does nothing more.
func (s *WebSocketSignaler) Stop() error {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.cancel = nil
	s.conn = nil
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done

	s.status(StatusDisconnected)
	return nil
}

// Disconnect is Stop.
func (s *WebSocketSignaler) Disconnect() error {
	return s.Stop()
}
