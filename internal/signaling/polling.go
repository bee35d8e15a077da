package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drqsatoshi/bitchat/internal/types"
)

const outboxSize = 256

// PollingSignaler talks to the service over plain HTTP: it polls its own
// pending queue on a fixed interval and refreshes liveness with periodic
// heartbeats.
type PollingSignaler struct {
	handlers
	opts     Options
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	outbox chan types.Signal
	joined bool // a leave is owed to the service
	wg     sync.WaitGroup
}

// NewPollingSignaler creates a polling-variant signaler. opts.URL is the
// service's /api/signal endpoint.
func NewPollingSignaler(opts Options) *PollingSignaler {
	opts.setDefaults()
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PollingSignaler{
		opts:     opts,
		endpoint: strings.TrimRight(opts.URL, "/"),
		client:   client,
		logger:   opts.Logger.With("component", "signaling", "mode", ModePolling),
	}
}

func (s *PollingSignaler) Mode() Mode { return ModePolling }

// Connect joins the room and starts polling. If the join fails it is
// retried every ReconnectDelay in the background and the error is returned.
func (s *PollingSignaler) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.joined = true
	s.outbox = make(chan types.Signal, outboxSize)
	outbox := s.outbox
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sendLoop(runCtx, outbox)

	err := s.join(runCtx)
	if err != nil {
		s.logger.Warn("join failed, retrying", "error", err, "delay", s.opts.ReconnectDelay)
		s.status(StatusError)
	}

	s.wg.Add(1)
	go s.run(runCtx, err == nil)
	return err
}

func (s *PollingSignaler) run(ctx context.Context, joined bool) {
	defer s.wg.Done()

	for !joined {
		if !sleep(ctx, s.opts.ReconnectDelay) {
			return
		}
		if err := s.join(ctx); err != nil {
			s.logger.Debug("join retry failed", "error", err)
			s.status(StatusError)
			continue
		}
		joined = true
	}

	pollTicker := time.NewTicker(s.opts.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			if err := s.poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug("polling error", "error", err)
			}
		case <-heartbeatTicker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *PollingSignaler) join(ctx context.Context) error {
	var resp types.PeersResponse
	status, err := s.post(ctx, "join", types.JoinRequest{
		PeerID:   s.opts.PeerID,
		Nickname: s.opts.Nickname,
		Room:     s.opts.Room,
	}, &resp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJoinFailed, status)
	}

	s.status(StatusConnectedPolling)
	if resp.Type == types.SignalPeers {
		s.emit(types.Signal{Type: types.SignalPeers, Peers: resp.Peers, Room: s.opts.Room})
	}
	return nil
}

func (s *PollingSignaler) poll(ctx context.Context) error {
	q := url.Values{"action": {"poll"}, "peerId": {string(s.opts.PeerID)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("poll status %d", resp.StatusCode)
	}

	var pr types.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("decoding poll response: %w", err)
	}
	for _, msg := range pr.Messages {
		s.emit(msg)
	}
	return nil
}

// heartbeat refreshes liveness. A 404 means the service swept us, so the
// room is joined again.
func (s *PollingSignaler) heartbeat(ctx context.Context) {
	status, err := s.post(ctx, "heartbeat", types.LeaveRequest{PeerID: s.opts.PeerID}, nil)
	if err != nil {
		s.logger.Debug("heartbeat error", "error", err)
		return
	}
	if status == http.StatusNotFound {
		s.logger.Info("membership expired, rejoining", "room", s.opts.Room)
		if err := s.join(ctx); err != nil {
			s.logger.Warn("rejoin failed", "error", err)
		}
	}
}

// Send queues msg for delivery. Sends are fire-and-forget but keep their
// order, so an offer always reaches the service before its candidates.
func (s *PollingSignaler) Send(msg types.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbox == nil {
		return ErrNotConnected
	}
	if msg.From == "" {
		msg.From = s.opts.PeerID
	}
	select {
	case s.outbox <- msg:
		return nil
	default:
		s.logger.Warn("outbox full, dropping signal", "type", msg.Type, "to", msg.To)
		return ErrNotConnected
	}
}

func (s *PollingSignaler) sendLoop(ctx context.Context, outbox <-chan types.Signal) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbox:
			if _, err := s.post(ctx, "signal", msg, nil); err != nil && ctx.Err() == nil {
				s.logger.Warn("error sending signal", "type", msg.Type, "to", msg.To, "error", err)
			}
		}
	}
}

// Stop halts both timers and the sender without contacting the service.
func (s *PollingSignaler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.outbox = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.status(StatusDisconnected)
	return nil
}

// Disconnect stops like Stop and then best-effort tells the service we
// left.
func (s *PollingSignaler) Disconnect() error {
	s.Stop()

	s.mu.Lock()
	joined := s.joined
	s.joined = false
	s.mu.Unlock()
	if !joined {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if _, err := s.post(ctx, "leave", types.LeaveRequest{PeerID: s.opts.PeerID}, nil); err != nil {
		s.logger.Debug("error leaving room", "error", err)
	}
	s.client.CloseIdleConnections()
	return nil
}

// post sends body to ?action=action and decodes a 200 reply into out when
// out is non-nil.
func (s *PollingSignaler) post(ctx context.Context, action string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"?action="+action, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding %s response: %w", action, err)
		}
		return resp.StatusCode, nil
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
