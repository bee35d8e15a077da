package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/pion/webrtc/v4"
)

const dataChannelLabel = "chat"

// DefaultICEServers are the public STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// WebRTCConnector creates pion PeerConnections carrying one ordered data
// channel each.
type WebRTCConnector struct {
	configMu sync.RWMutex
	config   webrtc.Configuration
	logger   *slog.Logger
}

// NewWebRTCConnector creates a connector using the given STUN/TURN urls.
func NewWebRTCConnector(iceServers []string, logger *slog.Logger) *WebRTCConnector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &WebRTCConnector{logger: logger.With("component", "webrtc")}
	c.UpdateICEServers(iceServers)
	return c
}

// UpdateICEServers replaces the ICE server list for links created afterwards.
func (c *WebRTCConnector) UpdateICEServers(urls []string) {
	if len(urls) == 0 {
		urls = DefaultICEServers
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	c.configMu.Lock()
	c.config = webrtc.Configuration{ICEServers: servers}
	c.configMu.Unlock()
	c.logger.Debug("ice servers updated", "count", len(servers))
}

// NewLink implements Connector.
func (c *WebRTCConnector) NewLink(peerID types.PeerID, initiator bool, events LinkEvents) (Link, error) {
	c.configMu.RLock()
	config := c.config
	c.configMu.RUnlock()

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	l := &webrtcLink{
		peerID: peerID,
		pc:     pc,
		events: events,
		logger: c.logger.With("peer", peerID),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if s, ok := linkStateFromPion(state); ok && events.OnState != nil {
			events.OnState(s)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if cand == nil || events.OnCandidate == nil {
			return
		}
		init := cand.ToJSON()
		events.OnCandidate(types.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	if initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("creating data channel: %w", err)
		}
		l.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				l.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
				return
			}
			l.attach(dc)
		})
	}

	return l, nil
}

func linkStateFromPion(state webrtc.PeerConnectionState) (LinkState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return LinkCreated, true
	case webrtc.PeerConnectionStateConnecting:
		return LinkConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed, true
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed, true
	}
	return 0, false
}

// webrtcLink wraps a pion PeerConnection and its chat data channel.
type webrtcLink struct {
	peerID types.PeerID
	pc     *webrtc.PeerConnection
	events LinkEvents
	logger *slog.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	open      bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (l *webrtcLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.open = true
		l.mu.Unlock()
		l.logger.Debug("data channel opened")
		if l.events.OnOpen != nil {
			l.events.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.events.OnMessage != nil {
			l.events.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		l.mu.Lock()
		l.open = false
		l.mu.Unlock()
		l.logger.Debug("data channel closed")
	})
}

func (l *webrtcLink) CreateOffer(ctx context.Context) (types.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return types.SessionDescription{}, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return types.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return types.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return types.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *webrtcLink) AcceptOffer(ctx context.Context, offer types.SessionDescription) (types.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return types.SessionDescription{}, err
	}
	if err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return types.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return types.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return types.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return types.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *webrtcLink) AcceptAnswer(answer types.SessionDescription) error {
	return l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

// setRemote applies the remote description and flushes candidates that
// arrived ahead of it.
func (l *webrtcLink) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Debug("buffered candidate rejected", "error", err)
		}
	}
	return nil
}

func (l *webrtcLink) AddCandidate(c types.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ice candidate: %w", err)
	}
	return nil
}

func (l *webrtcLink) Send(data []byte) error {
	l.mu.Lock()
	dc, open := l.dc, l.open
	l.mu.Unlock()

	if dc == nil || !open {
		return ErrPeerNotConnected
	}
	return dc.Send(data)
}

func (l *webrtcLink) Close() error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	return l.pc.Close()
}
