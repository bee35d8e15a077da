package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/pion/webrtc/v4"
)

// pionObserver hands local candidates straight to the remote manager, the
// way the rendezvous service would.
type pionObserver struct {
	local    types.PeerID
	remote   *Manager
	opened   chan types.PeerID
	messages chan ChatMessage
	relayed  chan struct{}
}

func newPionObserver(local types.PeerID) *pionObserver {
	return &pionObserver{
		local:    local,
		opened:   make(chan types.PeerID, 4),
		messages: make(chan ChatMessage, 16),
		relayed:  make(chan struct{}, 64),
	}
}

func (o *pionObserver) OnMessage(msg ChatMessage, via types.PeerID) { o.messages <- msg }
func (o *pionObserver) OnPeersChanged([]PeerInfo) {}
func (o *pionObserver) OnLinkOpen(peerID types.PeerID) { o.opened <- peerID }
func (o *pionObserver) OnStatus(string) {}

func (o *pionObserver) OnCandidate(peerID types.PeerID, c types.ICECandidate) {
	if err := o.remote.AddICECandidate(o.local, c); err != nil {
		return
	}
	select {
	case o.relayed <- struct{}{}:
	default:
	}
}

func waitOpen(t *testing.T, o *pionObserver, want types.PeerID) {
	t.Helper()
	select {
	case got := <-o.opened:
		if got != want {
			t.Fatalf("link opened to %s, want %s", got, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("link to %s never opened", want)
	}
}

func TestWebRTCLinkCarriesMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	aObs, bObs := newPionObserver("peer-a"), newPionObserver("peer-b")
	a := NewManager("peer-a", NewWebRTCConnector(nil, nil), aObs, DefaultConfig(), nil)
	b := NewManager("peer-b", NewWebRTCConnector(nil, nil), bObs, DefaultConfig(), nil)
	defer a.Close()
	defer b.Close()
	aObs.remote, bObs.remote = b, a

	// b's record exists before the offer so a's candidates reach its link
	// ahead of the remote description and must be held back.
	if err := b.CreatePeerConnection("peer-a", "alice", false); err != nil {
		t.Fatal(err)
	}
	if err := a.CreatePeerConnection("peer-b", "bob", true); err != nil {
		t.Fatal(err)
	}
	offer, err := a.CreateOffer(ctx, "peer-b")
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	select {
	case <-aObs.relayed:
	case <-ctx.Done():
		t.Fatal("a gathered no candidates")
	}

	answer, err := b.AcceptOffer(ctx, "peer-a", offer)
	if err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}
	if err := a.AcceptAnswer("peer-b", answer); err != nil {
		t.Fatalf("AcceptAnswer failed: %v", err)
	}

	waitOpen(t, aObs, "peer-b")
	waitOpen(t, bObs, "peer-a")

	if p, _ := a.Peer("peer-b"); !p.Connected {
		t.Errorf("a's record for b is %s after open", p.State)
	}

	if err := a.SendMessage(NewMessage(MessageChat, "peer-a", "alice", "hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-bObs.messages:
		if msg.Content != "hello" || msg.From != "peer-a" {
			t.Errorf("b received %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("b never received the message")
	}
}

func TestWebRTCLinkBuffersCandidates(t *testing.T) {
	c := NewWebRTCConnector(nil, nil)
	l, err := c.NewLink("peer-x", true, LinkEvents{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	mid := "0"
	cand := types.ICECandidate{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:    &mid,
	}
	if err := l.AddCandidate(cand); err != nil {
		t.Fatalf("AddCandidate before remote description: %v", err)
	}

	wl := l.(*webrtcLink)
	wl.mu.Lock()
	pending := len(wl.pending)
	wl.mu.Unlock()
	if pending != 1 {
		t.Errorf("%d candidates buffered, want 1", pending)
	}

	if err := l.Send([]byte("early")); !errors.Is(err, ErrPeerNotConnected) {
		t.Errorf("Send before open = %v", err)
	}
}

func TestUpdateICEServers(t *testing.T) {
	c := NewWebRTCConnector(nil, nil)
	if got := len(c.config.ICEServers); got != len(DefaultICEServers) {
		t.Errorf("default config has %d servers", got)
	}

	c.UpdateICEServers([]string{"turn:turn.example.com:3478"})
	c.configMu.RLock()
	servers := c.config.ICEServers
	c.configMu.RUnlock()
	if len(servers) != 1 || servers[0].URLs[0] != "turn:turn.example.com:3478" {
		t.Errorf("servers = %+v", servers)
	}
}

func TestLinkStateFromPion(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want LinkState
		ok   bool
	}{
		{webrtc.PeerConnectionStateNew, LinkCreated, true},
		{webrtc.PeerConnectionStateConnecting, LinkConnecting, true},
		{webrtc.PeerConnectionStateConnected, LinkConnected, true},
		{webrtc.PeerConnectionStateDisconnected, LinkDisconnected, true},
		{webrtc.PeerConnectionStateFailed, LinkFailed, true},
		{webrtc.PeerConnectionStateClosed, LinkClosed, true},
		{webrtc.PeerConnectionStateUnknown, 0, false},
	}
	for _, tt := range tests {
		got, ok := linkStateFromPion(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("linkStateFromPion(%s) = %s, %v", tt.in, got, ok)
		}
	}
}
