package mesh

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/drqsatoshi/bitchat/internal/secure"
	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Observer receives mesh events. The manager never calls it while holding
// its own lock, so implementations may call back into the manager.
type Observer interface {
	// OnMessage delivers a message addressed to this node (or to everyone).
	// via is the direct neighbour it arrived from.
	OnMessage(msg ChatMessage, via types.PeerID)
	OnPeersChanged(peers []PeerInfo)
	// OnLinkOpen fires once the data channel to peerID can carry messages.
	OnLinkOpen(peerID types.PeerID)
	OnCandidate(peerID types.PeerID, c types.ICECandidate)
	OnStatus(status string)
}

// Config bounds relay and dedup.
type Config struct {
	MaxHops      int
	SeenCapacity int
	SeenTTL      time.Duration
}

// DefaultConfig returns the standard mesh bounds.
func DefaultConfig() Config {
	return Config{
		MaxHops:      3,
		SeenCapacity: 1000,
		SeenTTL:      time.Minute,
	}
}

// PeerInfo is a point-in-time snapshot of a peer record.
type PeerInfo struct {
	ID        types.PeerID
	Nickname  string
	State     LinkState
	Connected bool
	Initiator bool
	HasSecret bool
	LastSeen  time.Time
}

type peer struct {
	id        types.PeerID
	nickname  string
	initiator bool
	state     LinkState
	link      Link
	lastSeen  time.Time

	kexPublic     *secure.KeyExchangePublicKey
	signingPublic ed25519.PublicKey
	secret        *secure.SharedSecret
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		ID:        p.id,
		Nickname:  p.nickname,
		State:     p.state,
		Connected: p.state == LinkConnected,
		Initiator: p.initiator,
		HasSecret: p.secret != nil,
		LastSeen:  p.lastSeen,
	}
}

// Manager owns the direct links of one mesh node, deduplicates inbound
// messages and floods them onward within the hop budget.
type Manager struct {
	localID   types.PeerID
	cfg       Config
	connector Connector
	observer  Observer
	logger    *slog.Logger

	mu     sync.Mutex
	peers  map[types.PeerID]*peer
	seen   *expirable.LRU[string, struct{}]
	closed bool
}

// NewManager creates a manager for the local peer. A nil observer discards
// events.
func NewManager(localID types.PeerID, connector Connector, observer Observer, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultConfig().MaxHops
	}
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = DefaultConfig().SeenCapacity
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = DefaultConfig().SeenTTL
	}
	return &Manager{
		localID:   localID,
		cfg:       cfg,
		connector: connector,
		observer:  observer,
		logger:    logger.With("component", "mesh"),
		peers:     make(map[types.PeerID]*peer),
		seen:      expirable.NewLRU[string, struct{}](cfg.SeenCapacity, nil, cfg.SeenTTL),
	}
}

// LocalID returns the id this node uses on the mesh.
func (m *Manager) LocalID() types.PeerID {
	return m.localID
}

// CreatePeerConnection allocates a link to peerID, replacing any existing
// one.
func (m *Manager) CreatePeerConnection(peerID types.PeerID, nickname string, initiator bool) error {
	if peerID == m.localID {
		return fmt.Errorf("link to self: %w", ErrLinkFailure)
	}

	p := &peer{
		id:        peerID,
		nickname:  nickname,
		initiator: initiator,
		state:     LinkCreated,
		lastSeen:  time.Now(),
	}
	link, err := m.connector.NewLink(peerID, initiator, m.linkEvents(p))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLinkFailure, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		link.Close()
		return ErrClosed
	}
	old := m.peers[peerID]
	p.link = link
	m.peers[peerID] = p
	m.mu.Unlock()

	if old != nil {
		old.link.Close()
	}
	m.logger.Debug("created peer link", "peer", peerID, "initiator", initiator)
	m.notifyPeers()
	return nil
}

func (m *Manager) linkEvents(p *peer) LinkEvents {
	return LinkEvents{
		OnState: func(s LinkState) { m.setState(p, s) },
		OnOpen:  func() { m.linkOpened(p) },
		OnMessage: func(data []byte) {
			if m.current(p) {
				m.HandleIncoming(p.id, data)
			}
		},
		OnCandidate: func(c types.ICECandidate) {
			if m.current(p) {
				m.observer.OnCandidate(p.id, c)
			}
		},
	}
}

func (m *Manager) current(p *peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[p.id] == p
}

func (m *Manager) setState(p *peer, s LinkState) {
	m.mu.Lock()
	if m.peers[p.id] != p || p.state == s {
		m.mu.Unlock()
		return
	}
	prev := p.state
	p.state = s
	if s.Terminal() {
		delete(m.peers, p.id)
	}
	m.mu.Unlock()

	m.logger.Debug("link state changed", "peer", p.id, "from", prev, "to", s)

	switch {
	case s.Terminal():
		go p.link.Close()
		m.observer.OnStatus(fmt.Sprintf("Disconnected from %s", p.nickname))
	case s == LinkConnected:
		m.observer.OnStatus(fmt.Sprintf("Connected to %s", p.nickname))
	}
	if s.Terminal() || (prev == LinkConnected) != (s == LinkConnected) {
		m.notifyPeers()
	}
}

func (m *Manager) linkOpened(p *peer) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	changed := p.state != LinkConnected
	p.state = LinkConnected
	p.lastSeen = time.Now()
	m.mu.Unlock()

	if changed {
		m.observer.OnStatus(fmt.Sprintf("Connected to %s", p.nickname))
		m.notifyPeers()
	}
	m.observer.OnLinkOpen(p.id)
}

func (m *Manager) link(peerID types.PeerID) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p.link, nil
}

func (m *Manager) markConnecting(peerID types.PeerID) {
	m.mu.Lock()
	if p, ok := m.peers[peerID]; ok && p.state == LinkCreated {
		p.state = LinkConnecting
	}
	m.mu.Unlock()
}

// CreateOffer produces the local offer for an initiator link.
func (m *Manager) CreateOffer(ctx context.Context, peerID types.PeerID) (types.SessionDescription, error) {
	l, err := m.link(peerID)
	if err != nil {
		return types.SessionDescription{}, err
	}
	offer, err := l.CreateOffer(ctx)
	if err != nil {
		return types.SessionDescription{}, fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	m.markConnecting(peerID)
	return offer, nil
}

// AcceptOffer applies a remote offer on a responder link and returns the
// answer.
func (m *Manager) AcceptOffer(ctx context.Context, peerID types.PeerID, offer types.SessionDescription) (types.SessionDescription, error) {
	l, err := m.link(peerID)
	if err != nil {
		return types.SessionDescription{}, err
	}
	answer, err := l.AcceptOffer(ctx, offer)
	if err != nil {
		return types.SessionDescription{}, fmt.Errorf("accept offer from %s: %w", peerID, err)
	}
	m.markConnecting(peerID)
	return answer, nil
}

// AcceptAnswer applies the remote answer on an initiator link.
func (m *Manager) AcceptAnswer(peerID types.PeerID, answer types.SessionDescription) error {
	l, err := m.link(peerID)
	if err != nil {
		return err
	}
	if err := l.AcceptAnswer(answer); err != nil {
		return fmt.Errorf("accept answer from %s: %w", peerID, err)
	}
	return nil
}

// AddICECandidate hands a remote candidate to the peer's link.
func (m *Manager) AddICECandidate(peerID types.PeerID, c types.ICECandidate) error {
	l, err := m.link(peerID)
	if err != nil {
		return err
	}
	return l.AddCandidate(c)
}

// HandleIncoming processes one frame received from the direct neighbour via.
func (m *Manager) HandleIncoming(via types.PeerID, data []byte) {
	msg, err := UnmarshalMessage(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "peer", via, "error", err)
		return
	}
	m.handleMessage(via, msg)
}

func (m *Manager) handleMessage(via types.PeerID, msg ChatMessage) {
	// Our own broadcast looping back.
	if msg.From == m.localID {
		return
	}

	m.mu.Lock()
	key := msg.seenKey()
	if m.closed || m.seen.Contains(key) {
		m.mu.Unlock()
		return
	}
	m.seen.Add(key, struct{}{})

	if p, ok := m.peers[via]; ok {
		p.lastSeen = time.Now()
	}

	deliver := msg.To == "" || msg.To == m.localID
	var targets []Link
	if msg.To != m.localID && msg.HopCount < m.cfg.MaxHops {
		for id, p := range m.peers {
			if id != via && p.state == LinkConnected {
				targets = append(targets, p.link)
			}
		}
	}
	m.mu.Unlock()

	if deliver {
		m.observer.OnMessage(msg, via)
	}
	if len(targets) == 0 {
		return
	}

	fwd := msg
	fwd.HopCount++
	data, err := MarshalMessage(fwd)
	if err != nil {
		m.logger.Error("failed to encode relay", "error", err)
		return
	}
	for _, l := range targets {
		if err := l.Send(data); err != nil {
			m.logger.Debug("relay send failed", "error", err)
		}
	}
	m.logger.Debug("relayed message", "id", msg.MessageID, "hop", fwd.HopCount, "targets", len(targets))
}

// SendMessage floods a locally originated message to every connected peer.
// A failure on one link does not stop the others.
func (m *Manager) SendMessage(msg ChatMessage) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.seen.Add(msg.seenKey(), struct{}{})
	targets := make(map[types.PeerID]Link)
	for id, p := range m.peers {
		if p.state == LinkConnected {
			targets[id] = p.link
		}
	}
	m.mu.Unlock()

	for id, l := range targets {
		if err := l.Send(data); err != nil {
			m.logger.Debug("send failed", "peer", id, "error", err)
		}
	}
	return nil
}

// SendToPeer unicasts msg over the direct link to peerID. Nothing is sent
// when the peer is absent or not connected.
func (m *Manager) SendToPeer(peerID types.PeerID, msg ChatMessage) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return ErrPeerNotFound
	}
	if p.state != LinkConnected {
		m.mu.Unlock()
		return ErrPeerNotConnected
	}
	m.seen.Add(msg.seenKey(), struct{}{})
	l := p.link
	m.mu.Unlock()

	return l.Send(data)
}

// RemovePeer closes and forgets the link to peerID. It is idempotent.
func (m *Manager) RemovePeer(peerID types.PeerID) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	p.link.Close()
	m.logger.Debug("removed peer", "peer", peerID)
	m.notifyPeers()
}

// UpdatePeerKeys records the peer's public keys and the derived pairwise
// secret.
func (m *Manager) UpdatePeerKeys(peerID types.PeerID, kex secure.KeyExchangePublicKey, signing ed25519.PublicKey, secret secure.SharedSecret) error {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		p.kexPublic = &kex
		p.signingPublic = signing
		p.secret = &secret
	}
	m.mu.Unlock()

	if !ok {
		return ErrPeerNotFound
	}
	m.notifyPeers()
	return nil
}

// PeerKeys returns the pairwise secret and signing key for peerID once key
// exchange has completed.
func (m *Manager) PeerKeys(peerID types.PeerID) (secure.SharedSecret, ed25519.PublicKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok || p.secret == nil {
		return secure.SharedSecret{}, nil, false
	}
	return *p.secret, p.signingPublic, true
}

// UpdateNickname renames a peer record. It reports whether a record existed.
func (m *Manager) UpdateNickname(peerID types.PeerID, nickname string) bool {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	changed := ok && p.nickname != nickname
	if changed {
		p.nickname = nickname
	}
	m.mu.Unlock()

	if changed {
		m.notifyPeers()
	}
	return ok
}

// Peers returns a snapshot of all peer records ordered by id.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []PeerInfo {
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peer returns a snapshot of one peer record.
func (m *Manager) Peer(peerID types.PeerID) (PeerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// ConnectedCount returns the number of peers with a live link.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.peers {
		if p.state == LinkConnected {
			n++
		}
	}
	return n
}

// Reset closes every link and forgets every seen message id. The manager
// stays usable, e.g. for joining another room.
func (m *Manager) Reset() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[types.PeerID]*peer)
	m.seen.Purge()
	m.mu.Unlock()

	for _, p := range peers {
		if err := p.link.Close(); err != nil {
			m.logger.Debug("closing link", "peer", p.id, "error", err)
		}
	}
	if len(peers) > 0 {
		m.notifyPeers()
	}
}

// Close resets the manager and refuses further links and sends.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Reset()
	return nil
}

func (m *Manager) notifyPeers() {
	m.observer.OnPeersChanged(m.Peers())
}

type nopObserver struct{}

func (nopObserver) OnMessage(ChatMessage, types.PeerID) {}
func (nopObserver) OnPeersChanged([]PeerInfo) {}
func (nopObserver) OnLinkOpen(types.PeerID) {}
func (nopObserver) OnCandidate(types.PeerID, types.ICECandidate) {}
func (nopObserver) OnStatus(string) {}
