// Package meshtest provides an in-memory mesh.Connector. Links are paired
// through a shared Network by the token carried in their offer, and frames
// are delivered in order on a per-link goroutine, the way a real data
// channel would deliver them.
package meshtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drqsatoshi/bitchat/internal/mesh"
	"github.com/drqsatoshi/bitchat/internal/types"
)

var (
	ErrUnknownOffer = errors.New("meshtest: unknown offer token")
	ErrClosed       = errors.New("meshtest: link closed")
)

// Network pairs links created by its connectors.
type Network struct {
	mu      sync.Mutex
	seq     int
	offers  map[string]*Link
	answers map[string]*Link
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		offers:  make(map[string]*Link),
		answers: make(map[string]*Link),
	}
}

// Connector returns a connector for the node named local.
func (n *Network) Connector(local types.PeerID) *Connector {
	return &Connector{net: n, local: local}
}

// Connector implements mesh.Connector on a Network.
type Connector struct {
	net   *Network
	local types.PeerID

	mu    sync.Mutex
	links []*Link
}

// NewLink implements mesh.Connector.
func (c *Connector) NewLink(peerID types.PeerID, initiator bool, events mesh.LinkEvents) (mesh.Link, error) {
	l := &Link{
		net:       c.net,
		local:     c.local,
		peer:      peerID,
		initiator: initiator,
		events:    events,
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()

	c.mu.Lock()
	c.links = append(c.links, l)
	c.mu.Unlock()
	return l, nil
}

// Links returns every link this connector created to peerID, oldest first.
func (c *Connector) Links(peerID types.PeerID) []*Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Link
	for _, l := range c.links {
		if l.peer == peerID {
			out = append(out, l)
		}
	}
	return out
}

// Link is an in-memory mesh.Link.
type Link struct {
	net       *Network
	local     types.PeerID
	peer      types.PeerID
	initiator bool
	events    mesh.LinkEvents

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []func()
	stopped    bool
	remote     *Link
	open       bool
	candidates []types.ICECandidate
	sent       int
}

func (l *Link) run() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

func (l *Link) dispatch(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

func (l *Link) stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *Link) state(s mesh.LinkState) {
	if l.events.OnState != nil {
		l.dispatch(func() { l.events.OnState(s) })
	}
}

func (l *Link) CreateOffer(ctx context.Context) (types.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return types.SessionDescription{}, err
	}
	l.net.mu.Lock()
	l.net.seq++
	token := fmt.Sprintf("meshtest-%s-%s-%d", l.local, l.peer, l.net.seq)
	l.net.offers[token] = l
	l.net.mu.Unlock()

	l.state(mesh.LinkConnecting)
	l.emitCandidate(token)
	return types.SessionDescription{Type: "offer", SDP: token}, nil
}

func (l *Link) AcceptOffer(ctx context.Context, offer types.SessionDescription) (types.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return types.SessionDescription{}, err
	}
	l.net.mu.Lock()
	_, ok := l.net.offers[offer.SDP]
	if ok {
		l.net.answers[offer.SDP] = l
	}
	l.net.mu.Unlock()
	if !ok {
		return types.SessionDescription{}, ErrUnknownOffer
	}

	l.state(mesh.LinkConnecting)
	l.emitCandidate(offer.SDP)
	return types.SessionDescription{Type: "answer", SDP: offer.SDP}, nil
}

func (l *Link) AcceptAnswer(answer types.SessionDescription) error {
	l.net.mu.Lock()
	initiator := l.net.offers[answer.SDP]
	responder := l.net.answers[answer.SDP]
	delete(l.net.offers, answer.SDP)
	delete(l.net.answers, answer.SDP)
	l.net.mu.Unlock()

	if initiator != l || responder == nil {
		return ErrUnknownOffer
	}

	for _, pair := range [][2]*Link{{l, responder}, {responder, l}} {
		self, other := pair[0], pair[1]
		self.mu.Lock()
		self.remote = other
		self.open = true
		self.mu.Unlock()
		self.state(mesh.LinkConnected)
		if self.events.OnOpen != nil {
			self.dispatch(self.events.OnOpen)
		}
	}
	return nil
}

func (l *Link) emitCandidate(token string) {
	if l.events.OnCandidate == nil {
		return
	}
	mid := "0"
	c := types.ICECandidate{Candidate: "candidate:" + token + ":" + string(l.local), SDPMid: &mid}
	l.dispatch(func() { l.events.OnCandidate(c) })
}

// AddCandidate records remote candidates; pairing happens through the offer
// token so they carry no routing information.
func (l *Link) AddCandidate(c types.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrClosed
	}
	l.candidates = append(l.candidates, c)
	return nil
}

// Candidates returns the remote candidates added so far.
func (l *Link) Candidates() []types.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.ICECandidate(nil), l.candidates...)
}

func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	remote, open := l.remote, l.open
	if open {
		l.sent++
	}
	l.mu.Unlock()

	if !open || remote == nil {
		return mesh.ErrPeerNotConnected
	}
	frame := append([]byte(nil), data...)
	if remote.events.OnMessage != nil {
		remote.dispatch(func() { remote.events.OnMessage(frame) })
	}
	return nil
}

// Sent returns how many frames were accepted by Send.
func (l *Link) Sent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

// Close closes both ends. The remote end observes the loss as a failure.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	remote := l.remote
	l.remote = nil
	l.open = false
	l.mu.Unlock()

	l.state(mesh.LinkClosed)
	l.stop()

	if remote != nil {
		remote.Fail()
	}
	return nil
}

// Fail drives the link into the Failed state as if ICE had given up.
func (l *Link) Fail() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.remote = nil
	l.open = false
	l.mu.Unlock()

	l.state(mesh.LinkDisconnected)
	l.state(mesh.LinkFailed)
	l.stop()
}
