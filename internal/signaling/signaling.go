// Package signaling connects a peer to the rendezvous service. Two
// interchangeable variants are provided: a persistent websocket that the
// service pushes to, and a stateless HTTP client that polls a per-peer
// queue. Both deliver the same sequence of envelopes for the same room
// events.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/drqsatoshi/bitchat/internal/types"
)

// Mode selects the signaling variant.
type Mode string

const (
	ModeWebSocket Mode = "websocket"
	ModePolling   Mode = "polling"
	ModeAuto      Mode = "auto"
)

const (
	StatusConnectedWebSocket = "Connected to signaling server (WebSocket)"
	StatusConnectedPolling   = "Connected to signaling server (Polling)"
	StatusError              = "Connection error"
	StatusDisconnected       = "Disconnected"
)

type signalingError string

func (e signalingError) Error() string { return string(e) }

const (
	ErrNotConnected signalingError = "signaling not connected"
	ErrJoinFailed   signalingError = "failed to join room"
	ErrUnknownMode  signalingError = "unknown signaling mode"
)

// MessageHandler receives every envelope from the rendezvous service.
type MessageHandler func(types.Signal)

// StatusHandler receives human-readable connection status changes.
type StatusHandler func(string)

// Signaler is a connection to the rendezvous service.
type Signaler interface {
	// Connect joins the configured room. Both variants keep retrying in the
	// background after a failed first attempt until Disconnect.
	Connect(ctx context.Context) error
	// Send forwards an envelope to the service. Delivery is best effort.
	Send(msg types.Signal) error
	// Stop halts all background work without telling the service. A later
	// Disconnect still leaves the room.
	Stop() error
	// Disconnect stops all background work and leaves the room.
	Disconnect() error
	OnMessage(h MessageHandler)
	OnStatus(h StatusHandler)
	Mode() Mode
}

// Options configures a Signaler.
type Options struct {
	URL      string
	Mode     Mode
	PeerID   types.PeerID
	Nickname string
	Room     string

	ReconnectDelay    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// New builds the Signaler for opts.Mode, resolving ModeAuto from the URL.
func New(opts Options) (Signaler, error) {
	mode := opts.Mode
	if mode == "" || mode == ModeAuto {
		m, err := DetectMode(opts.URL)
		if err != nil {
			return nil, err
		}
		mode = m
	}

	switch mode {
	case ModeWebSocket:
		return NewWebSocketSignaler(opts), nil
	case ModePolling:
		return NewPollingSignaler(opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// DetectMode picks websocket for ws:// and wss:// URLs and polling for
// http:// and https:// URLs.
func DetectMode(rawURL string) (Mode, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing signal url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return ModeWebSocket, nil
	case "http", "https":
		return ModePolling, nil
	}
	return "", fmt.Errorf("%w: cannot infer from scheme %q", ErrUnknownMode, u.Scheme)
}

// handlers holds the callbacks shared by both variants.
type handlers struct {
	mu        sync.RWMutex
	onMessage MessageHandler
	onStatus  StatusHandler
}

func (h *handlers) OnMessage(fn MessageHandler) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

func (h *handlers) OnStatus(fn StatusHandler) {
	h.mu.Lock()
	h.onStatus = fn
	h.mu.Unlock()
}

func (h *handlers) emit(msg types.Signal) {
	h.mu.RLock()
	fn := h.onMessage
	h.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (h *handlers) status(s string) {
	h.mu.RLock()
	fn := h.onStatus
	h.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// sleep waits for d or until ctx ends, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
