// Package session drives one chat peer: it joins a room through the
// rendezvous service, negotiates direct links with the other members,
// exchanges keys over those links and encrypts chat pairwise.
//
// All session state is owned by a single event loop goroutine. Signaling
// and mesh callbacks are marshalled onto that loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/drqsatoshi/bitchat/internal/mesh"
	"github.com/drqsatoshi/bitchat/internal/secure"
	"github.com/drqsatoshi/bitchat/internal/signaling"
	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/google/uuid"
)

const (
	eventBuffer       = 1024
	undecryptableText = "[Encrypted message - keys not available]"
	unknownNickname   = "Unknown"
	systemNickname    = "System"
)

type sessionError string

func (e sessionError) Error() string { return string(e) }

const (
	ErrClosed        sessionError = "session closed"
	ErrInvalidConfig sessionError = "session needs a nickname and a room"
)

// EntryKind classifies a line shown to the user.
type EntryKind string

const (
	EntryChat   EntryKind = "chat"
	EntrySystem EntryKind = "system"
	EntryError  EntryKind = "error"
)

// Entry is one line of the conversation view.
type Entry struct {
	ID        string
	Kind      EntryKind
	From      types.PeerID
	Nickname  string
	Content   string
	Time      time.Time
	Encrypted bool
}

// View renders session output. Implementations must be safe for concurrent
// use.
type View interface {
	Show(Entry)
	Clear()
	PeersChanged([]mesh.PeerInfo)
	Status(string)
}

// SignalerFactory builds a signaler for the given options.
type SignalerFactory func(signaling.Options) (signaling.Signaler, error)

// Config describes the local peer and how it reaches the mesh.
type Config struct {
	PeerID   types.PeerID
	Nickname string
	Room     string

	// Signaling is the template for every room joined; identity fields are
	// filled in by the session.
	Signaling signaling.Options
	Mesh      mesh.Config
}

// NewPeerID returns a fresh random peer id.
func NewPeerID() types.PeerID {
	return types.PeerID(uuid.NewString())
}

// Session is a running chat peer.
type Session struct {
	cfg         Config
	view        View
	logger      *slog.Logger
	newSignaler SignalerFactory

	kex     *secure.KeyExchangeKeyPair
	signing *secure.SigningKeyPair
	mesh    *mesh.Manager

	// Owned by the loop goroutine.
	ctx      context.Context
	sig      signaling.Signaler
	nickname string
	room     string
	roster   map[types.PeerID]string

	// autoKeyExchange pushes KEY_EXCHANGE as soon as a link opens.
	autoKeyExchange bool

	events    chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a session with fresh ephemeral keys. Links are created through
// connector.
func New(cfg Config, connector mesh.Connector, view View, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PeerID == "" {
		cfg.PeerID = NewPeerID()
	}
	if cfg.Nickname == "" || cfg.Room == "" {
		return nil, ErrInvalidConfig
	}

	kex, err := secure.GenerateKeyExchangeKeyPair()
	if err != nil {
		return nil, fmt.Errorf("error generating encryption keys: %w", err)
	}
	signing, err := secure.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("error generating signing keys: %w", err)
	}

	s := &Session{
		cfg:             cfg,
		view:            view,
		logger:          logger.With("component", "session", "peer", cfg.PeerID),
		newSignaler:     signaling.New,
		kex:             kex,
		signing:         signing,
		ctx:             context.Background(),
		nickname:        cfg.Nickname,
		room:            cfg.Room,
		roster:          make(map[types.PeerID]string),
		autoKeyExchange: true,
		events:          make(chan func(), eventBuffer),
		quit:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	s.mesh = mesh.NewManager(cfg.PeerID, connector, meshObserver{s}, cfg.Mesh, logger)
	go s.loop()
	return s, nil
}

// PeerID returns the local peer id.
func (s *Session) PeerID() types.PeerID {
	return s.cfg.PeerID
}

// Mesh exposes the peer manager for presence queries.
func (s *Session) Mesh() *mesh.Manager {
	return s.mesh
}

// Start connects to the rendezvous service and begins processing events.
// The session keeps retrying in the background if the first connection
// attempt fails; the error is returned for reporting.
func (s *Session) Start(ctx context.Context) error {
	var (
		sig signaling.Signaler
		err error
	)
	ok := s.call(func() {
		s.ctx = ctx
		sig, err = s.openSignaler()
		if err == nil {
			s.sig = sig
		}
	})
	if !ok {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	if err := sig.Connect(ctx); err != nil {
		s.show(EntryError, "Failed to connect to signaling server")
		return fmt.Errorf("connecting to signaling server: %w", err)
	}
	s.show(EntrySystem, fmt.Sprintf("Connected via %s", modeName(sig.Mode())))
	return nil
}

func modeName(m signaling.Mode) string {
	if m == signaling.ModeWebSocket {
		return "WebSocket"
	}
	return "HTTP Polling"
}

func (s *Session) openSignaler() (signaling.Signaler, error) {
	opts := s.cfg.Signaling
	opts.PeerID = s.cfg.PeerID
	opts.Nickname = s.nickname
	opts.Room = s.room
	if opts.Logger == nil {
		opts.Logger = s.logger
	}

	sig, err := s.newSignaler(opts)
	if err != nil {
		return nil, err
	}
	sig.OnMessage(func(msg types.Signal) {
		s.do(func() {
			if s.sig == sig {
				s.handleSignal(msg)
			}
		})
	})
	sig.OnStatus(func(status string) {
		if s.view != nil {
			s.view.Status(status)
		}
	})
	return sig, nil
}

func (s *Session) loop() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the loop. It is dropped once the session is closed.
func (s *Session) do(fn func()) {
	select {
	case s.events <- fn:
	case <-s.quit:
	}
}

// call runs fn on the loop and waits for it. It reports false if the
// session closed first.
func (s *Session) call(fn func()) bool {
	done := make(chan struct{})
	s.do(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-s.quit:
		return false
	}
}

// Close stops signaling, closes every link, forgets seen messages and only
// then tells the service we left.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.stopped

		if s.sig != nil {
			s.sig.Stop()
		}
		s.mesh.Close()
		if s.sig != nil {
			s.sig.Disconnect()
			s.sig = nil
		}
	})
	return nil
}

func (s *Session) handleSignal(msg types.Signal) {
	switch msg.Type {
	case types.SignalPeers:
		for _, p := range msg.Peers {
			if p.PeerID == s.cfg.PeerID {
				continue
			}
			s.roster[p.PeerID] = p.Nickname
			if _, ok := s.mesh.Peer(p.PeerID); ok {
				continue
			}
			s.initiate(p.PeerID, p.Nickname)
		}

	case types.SignalPeerJoined:
		if msg.PeerID == s.cfg.PeerID {
			return
		}
		s.roster[msg.PeerID] = msg.Nickname
		s.show(EntrySystem, fmt.Sprintf("%s joined the room", nickOr(msg.Nickname)))

	case types.SignalOffer:
		if msg.From == "" || msg.SDP == nil {
			return
		}
		s.respond(msg)

	case types.SignalAnswer:
		if msg.From == "" || msg.SDP == nil {
			return
		}
		if err := s.mesh.AcceptAnswer(msg.From, *msg.SDP); err != nil {
			s.logger.Warn("applying answer", "from", msg.From, "error", err)
		}

	case types.SignalICECandidate:
		if msg.From == "" || msg.Candidate == nil {
			return
		}
		if err := s.mesh.AddICECandidate(msg.From, *msg.Candidate); err != nil {
			s.logger.Debug("applying candidate", "from", msg.From, "error", err)
		}

	case types.SignalPeerLeft:
		if msg.PeerID == "" {
			return
		}
		s.mesh.RemovePeer(msg.PeerID)
		delete(s.roster, msg.PeerID)
		s.show(EntrySystem, fmt.Sprintf("%s left the room", nickOr(msg.Nickname)))

	case types.SignalError:
		s.show(EntryError, fmt.Sprintf("Server error: %s", msg.Error))
	}
}

func nickOr(nickname string) string {
	if nickname == "" {
		return "User"
	}
	return nickname
}

func (s *Session) initiate(peerID types.PeerID, nickname string) {
	if err := s.mesh.CreatePeerConnection(peerID, nickname, true); err != nil {
		s.logger.Warn("creating link", "peer", peerID, "error", err)
		s.show(EntryError, fmt.Sprintf("Failed to connect to %s", nickOr(nickname)))
		return
	}
	offer, err := s.mesh.CreateOffer(s.ctx, peerID)
	if err != nil {
		s.logger.Warn("creating offer", "peer", peerID, "error", err)
		s.mesh.RemovePeer(peerID)
		s.show(EntryError, fmt.Sprintf("Failed to connect to %s", nickOr(nickname)))
		return
	}
	s.signal(types.Signal{Type: types.SignalOffer, To: peerID, SDP: &offer})
}

func (s *Session) respond(msg types.Signal) {
	from := msg.From
	existing, ok := s.mesh.Peer(from)

	// Both sides offered at once: the lower id stays initiator.
	if ok && existing.Initiator && !existing.Connected && s.cfg.PeerID < from {
		s.logger.Debug("ignoring glare offer", "from", from)
		return
	}

	nickname := s.nickFor(from, msg.Nickname)
	if err := s.mesh.CreatePeerConnection(from, nickname, false); err != nil {
		s.logger.Warn("creating responder link", "peer", from, "error", err)
		return
	}
	answer, err := s.mesh.AcceptOffer(s.ctx, from, *msg.SDP)
	if err != nil {
		s.logger.Warn("accepting offer", "peer", from, "error", err)
		s.mesh.RemovePeer(from)
		s.show(EntryError, fmt.Sprintf("Failed to connect to %s", nickname))
		return
	}
	s.signal(types.Signal{Type: types.SignalAnswer, To: from, SDP: &answer})
}

func (s *Session) signal(msg types.Signal) {
	if s.sig == nil {
		return
	}
	msg.From = s.cfg.PeerID
	msg.Nickname = s.nickname
	if err := s.sig.Send(msg); err != nil {
		s.logger.Debug("signal not sent", "type", msg.Type, "to", msg.To, "error", err)
	}
}

func (s *Session) nickFor(peerID types.PeerID, fallback string) string {
	if p, ok := s.mesh.Peer(peerID); ok && p.Nickname != "" {
		return p.Nickname
	}
	if n, ok := s.roster[peerID]; ok && n != "" {
		return n
	}
	if fallback != "" {
		return fallback
	}
	return unknownNickname
}

// pushKeys sends this side's public keys directly to peerID.
func (s *Session) pushKeys(peerID types.PeerID) {
	msg := mesh.NewMessage(mesh.MessageKeyExchange, s.cfg.PeerID, s.nickname, "")
	msg.To = peerID
	msg.PublicKey = secure.ExportPublicKey(s.kex.Public[:])
	msg.SigningPublicKey = secure.ExportPublicKey(s.signing.Public)
	if err := s.mesh.SendToPeer(peerID, msg); err != nil {
		s.logger.Warn("key exchange not sent", "peer", peerID, "error", err)
	}
}

func (s *Session) handleMessage(msg mesh.ChatMessage) {
	switch msg.Type {
	case mesh.MessageKeyExchange:
		s.acceptKeys(msg)

	case mesh.MessageEncrypted:
		entry := s.chatEntry(msg)
		secret, signingKey, ok := s.mesh.PeerKeys(msg.From)
		if !ok || msg.EncryptedData == nil {
			entry.Content = undecryptableText
			s.emit(entry)
			return
		}
		plaintext, err := secure.DecryptMessage(msg.EncryptedData, secret, signingKey)
		if err != nil {
			s.logger.Warn("decrypting message", "from", msg.From, "error", err)
			s.show(EntryError, fmt.Sprintf("Error decrypting message from %s", msg.Nickname))
			return
		}
		entry.Content = string(plaintext)
		entry.Encrypted = true
		s.emit(entry)

	case mesh.MessageSystem:
		if msg.Nickname != "" {
			s.mesh.UpdateNickname(msg.From, msg.Nickname)
			s.roster[msg.From] = msg.Nickname
		}
		s.show(EntrySystem, msg.Content)

	case mesh.MessageChat, mesh.MessageRelay:
		entry := s.chatEntry(msg)
		entry.Content = msg.Content
		s.emit(entry)
	}
}

func (s *Session) acceptKeys(msg mesh.ChatMessage) {
	remoteKex, err := secure.ImportKeyExchangePublicKey(msg.PublicKey)
	if err != nil {
		s.logger.Warn("bad key exchange key", "from", msg.From, "error", err)
		return
	}
	remoteSigning, err := secure.ImportSigningPublicKey(msg.SigningPublicKey)
	if err != nil {
		s.logger.Warn("bad signing key", "from", msg.From, "error", err)
		return
	}
	secret, err := secure.DeriveSharedSecret(s.kex, remoteKex)
	if err != nil {
		s.logger.Warn("deriving shared secret", "from", msg.From, "error", err)
		return
	}
	if err := s.mesh.UpdatePeerKeys(msg.From, remoteKex, remoteSigning, secret); err != nil {
		s.logger.Warn("storing peer keys", "from", msg.From, "error", err)
		return
	}
	if msg.Nickname != "" {
		s.mesh.UpdateNickname(msg.From, msg.Nickname)
	}
	s.show(EntrySystem, fmt.Sprintf("Established encrypted channel with %s", nickOr(msg.Nickname)))
}

func (s *Session) chatEntry(msg mesh.ChatMessage) Entry {
	return Entry{
		ID:       msg.MessageID,
		Kind:     EntryChat,
		From:     msg.From,
		Nickname: msg.Nickname,
		Time:     msg.Time(),
	}
}

// sendText encrypts text pairwise for every connected peer that has
// completed key exchange and sends it in the clear to the rest. All copies
// share one message id.
func (s *Session) sendText(text string) {
	base := mesh.NewMessage(mesh.MessageChat, s.cfg.PeerID, s.nickname, "")
	sent, encrypted := 0, 0

	for _, p := range s.mesh.Peers() {
		if !p.Connected {
			continue
		}
		msg := base
		msg.To = p.ID
		if secret, _, ok := s.mesh.PeerKeys(p.ID); ok {
			env, err := secure.EncryptMessage([]byte(text), secret, s.signing, s.kex.Public)
			if err != nil {
				s.logger.Error("encrypting message", "peer", p.ID, "error", err)
				continue
			}
			msg.Type = mesh.MessageEncrypted
			msg.EncryptedData = env
			encrypted++
		} else {
			msg.Content = text
		}
		if err := s.mesh.SendToPeer(p.ID, msg); err != nil {
			s.logger.Debug("send failed", "peer", p.ID, "error", err)
			continue
		}
		sent++
	}

	s.emit(Entry{
		ID:        base.MessageID,
		Kind:      EntryChat,
		From:      s.cfg.PeerID,
		Nickname:  s.nickname,
		Content:   text,
		Time:      base.Time(),
		Encrypted: sent > 0 && encrypted == sent,
	})
}

func (s *Session) show(kind EntryKind, content string) {
	s.emit(Entry{
		ID:       mesh.NewMessageID(),
		Kind:     kind,
		Nickname: systemNickname,
		Content:  content,
		Time:     time.Now(),
	})
}

func (s *Session) emit(e Entry) {
	if s.view != nil {
		s.view.Show(e)
	}
}

// Input handles one line typed by the user: a command or a chat message.
func (s *Session) Input(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	s.do(func() {
		if strings.HasPrefix(line, "/") {
			s.command(line)
			return
		}
		s.sendText(line)
	})
}

// meshObserver forwards mesh events onto the session loop. Presence and
// status go straight to the view since they may be raised from the loop
// itself.
type meshObserver struct{ s *Session }

func (o meshObserver) OnMessage(msg mesh.ChatMessage, via types.PeerID) {
	o.s.do(func() { o.s.handleMessage(msg) })
}

func (o meshObserver) OnPeersChanged(peers []mesh.PeerInfo) {
	if o.s.view != nil {
		o.s.view.PeersChanged(peers)
	}
}

func (o meshObserver) OnLinkOpen(peerID types.PeerID) {
	o.s.do(func() {
		if o.s.autoKeyExchange {
			o.s.pushKeys(peerID)
		}
	})
}

func (o meshObserver) OnCandidate(peerID types.PeerID, c types.ICECandidate) {
	o.s.do(func() {
		o.s.signal(types.Signal{Type: types.SignalICECandidate, To: peerID, Candidate: &c})
	})
}

func (o meshObserver) OnStatus(status string) {
	o.s.logger.Debug("mesh status", "status", status)
}
