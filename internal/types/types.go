package types

import "time"

type PeerID string

// Transport records how a member reached the rendezvous service.
type Transport string

const (
	TransportPush Transport = "push"
	TransportPoll Transport = "poll"
)

// Member is a room membership record held by the rendezvous service.
type Member struct {
	PeerID    PeerID    `json:"peerId"`
	Nickname  string    `json:"nickname"`
	Room      string    `json:"room"`
	LastSeen  time.Time `json:"lastSeen"`
	Transport Transport `json:"-"`
}

// Summary returns the roster view of the member.
func (m Member) Summary() PeerSummary {
	return PeerSummary{PeerID: m.PeerID, Nickname: m.Nickname}
}

// PeerSummary is the roster entry sent to clients.
type PeerSummary struct {
	PeerID   PeerID `json:"peerId"`
	Nickname string `json:"nickname"`
}

// SignalType defines the type of signaling message.
type SignalType string

const (
	SignalJoin         SignalType = "JOIN"
	SignalOffer        SignalType = "OFFER"
	SignalAnswer       SignalType = "ANSWER"
	SignalICECandidate SignalType = "ICE_CANDIDATE"
	SignalPeers        SignalType = "PEERS"
	SignalPeerJoined   SignalType = "PEER_JOINED"
	SignalPeerLeft     SignalType = "PEER_LEFT"
	SignalError        SignalType = "ERROR"
)

// Relayable reports whether the server forwards this type peer to peer.
func (t SignalType) Relayable() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// Signal is the envelope for all signaling messages. Which fields are set
// depends on Type.
type Signal struct {
	Type      SignalType          `json:"type"`
	From      PeerID              `json:"from,omitempty"`
	To        PeerID              `json:"to,omitempty"`
	Room      string              `json:"room,omitempty"`
	PeerID    PeerID              `json:"peerId,omitempty"`
	Nickname  string              `json:"nickname,omitempty"`
	Peers     []PeerSummary       `json:"peers,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// SessionDescription carries an offer or answer (RTCSessionDescriptionInit).
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeersResponse is the reply to a REST join.
type PeersResponse struct {
	Type  SignalType    `json:"type"`
	Peers []PeerSummary `json:"peers"`
}

// PollResponse is the reply to a REST poll.
type PollResponse struct {
	Messages []Signal `json:"messages"`
}

// LeaveRequest is the body of leave and heartbeat calls.
type LeaveRequest struct {
	PeerID PeerID `json:"peerId"`
}

// JoinRequest is the body of a REST join.
type JoinRequest struct {
	PeerID   PeerID `json:"peerId"`
	Nickname string `json:"nickname"`
	Room     string `json:"room"`
}
