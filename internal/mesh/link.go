package mesh

import (
	"context"

	"github.com/drqsatoshi/bitchat/internal/types"
)

// LinkState is the lifecycle of one direct peer link.
type LinkState int

const (
	LinkCreated LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkCreated:
		return "created"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the link can never recover.
func (s LinkState) Terminal() bool {
	return s == LinkFailed || s == LinkClosed
}

// LinkEvents are the callbacks a Link raises. They may be invoked from any
// goroutine but never concurrently for the same link.
type LinkEvents struct {
	OnState     func(LinkState)
	OnOpen      func()
	OnMessage   func(data []byte)
	OnCandidate func(types.ICECandidate)
}

// Connector creates direct links to remote peers.
type Connector interface {
	// NewLink allocates a link to peerID. An initiator opens the data
	// channel itself; a responder waits for the remote side to offer one.
	NewLink(peerID types.PeerID, initiator bool, events LinkEvents) (Link, error)
}

// Link is one direct peer-to-peer connection carrying an ordered data
// channel.
type Link interface {
	CreateOffer(ctx context.Context) (types.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer types.SessionDescription) (types.SessionDescription, error)
	AcceptAnswer(answer types.SessionDescription) error
	AddCandidate(c types.ICECandidate) error
	Send(data []byte) error
	Close() error
}
