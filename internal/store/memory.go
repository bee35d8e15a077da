package store

import (
	"sync"
	"time"

	"github.com/drqsatoshi/bitchat/internal/types"
)

type storeError string

func (e storeError) Error() string { return string(e) }

const (
	ErrNotFound   storeError = "peer not found"
	ErrValidation storeError = "missing required fields"
)

// PeerStore holds room membership and the per-recipient pending queues.
// Implementations must be safe for concurrent use by many request handlers.
type PeerStore interface {
	Join(m types.Member) (roster []types.PeerSummary, previous *types.Member, err error)
	GetPeer(peerID types.PeerID) (types.Member, bool)
	Touch(peerID types.PeerID) error
	Leave(peerID types.PeerID) (types.Member, bool)
	PeersInRoom(room string, exclude types.PeerID) []types.Member
	Enqueue(to types.PeerID, msg types.Signal)
	Drain(peerID types.PeerID) []types.Signal
	// PruneStale returns the members it evicted.
	PruneStale(maxAge time.Duration) []types.Member
	// GetAllPeers is for tests and monitoring.
	GetAllPeers() []types.Member
}

type pendingQueue struct {
	messages []types.Signal
	updated  time.Time
}

// MemoryStore is an in-memory implementation of PeerStore. A peer belongs to
// exactly one room at a time; rooms index the global peer table.
type MemoryStore struct {
	peers  map[types.PeerID]types.Member
	rooms  map[string]map[types.PeerID]struct{}
	queues map[types.PeerID]*pendingQueue
	mu     sync.RWMutex

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:  make(map[types.PeerID]types.Member),
		rooms:  make(map[string]map[types.PeerID]struct{}),
		queues: make(map[types.PeerID]*pendingQueue),
		now:    time.Now,
	}
}

// SetClock replaces the time source (tests).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Join registers or refreshes m and returns the other members of its room.
// If the peer was already registered, its prior record is returned as
// previous so callers can tell a refresh from an arrival or a room change.
func (s *MemoryStore) Join(m types.Member) ([]types.PeerSummary, *types.Member, error) {
	if m.PeerID == "" || m.Nickname == "" || m.Room == "" {
		return nil, nil, ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var previous *types.Member
	if old, ok := s.peers[m.PeerID]; ok {
		if old.Room != m.Room {
			s.removeFromRoomLocked(old.Room, old.PeerID)
		}
		previous = &old
	}

	m.LastSeen = s.now()
	s.peers[m.PeerID] = m
	if s.rooms[m.Room] == nil {
		s.rooms[m.Room] = make(map[types.PeerID]struct{})
	}
	s.rooms[m.Room][m.PeerID] = struct{}{}

	if _, ok := s.queues[m.PeerID]; !ok {
		s.queues[m.PeerID] = &pendingQueue{updated: m.LastSeen}
	}

	roster := make([]types.PeerSummary, 0, len(s.rooms[m.Room]))
	for id := range s.rooms[m.Room] {
		if id == m.PeerID {
			continue
		}
		roster = append(roster, s.peers[id].Summary())
	}
	return roster, previous, nil
}

func (s *MemoryStore) GetPeer(peerID types.PeerID) (types.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[peerID]
	return p, ok
}

// Touch refreshes the liveness of a registered peer.
func (s *MemoryStore) Touch(peerID types.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[peerID]
	if !ok {
		return ErrNotFound
	}
	peer.LastSeen = s.now()
	s.peers[peerID] = peer
	return nil
}

// Leave removes the membership record and pending queue. It is idempotent;
// the bool reports whether a record existed.
func (s *MemoryStore) Leave(peerID types.PeerID) (types.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, peerID)
	peer, ok := s.peers[peerID]
	if !ok {
		return types.Member{}, false
	}
	delete(s.peers, peerID)
	s.removeFromRoomLocked(peer.Room, peerID)
	return peer, true
}

func (s *MemoryStore) removeFromRoomLocked(room string, peerID types.PeerID) {
	if members, ok := s.rooms[room]; ok {
		delete(members, peerID)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
}

func (s *MemoryStore) PeersInRoom(room string, exclude types.PeerID) []types.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var peers []types.Member
	for id := range s.rooms[room] {
		if id != exclude {
			peers = append(peers, s.peers[id])
		}
	}
	return peers
}

// Enqueue appends msg to the recipient's pending queue whether or not the
// recipient is registered.
func (s *MemoryStore) Enqueue(to types.PeerID, msg types.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[to]
	if !ok {
		q = &pendingQueue{}
		s.queues[to] = q
	}
	q.messages = append(q.messages, msg)
	q.updated = s.now()
}

// Drain returns and clears the pending queue in one critical section.
func (s *MemoryStore) Drain(peerID types.PeerID) []types.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if peer, ok := s.peers[peerID]; ok {
		peer.LastSeen = now
		s.peers[peerID] = peer
	}

	q, ok := s.queues[peerID]
	if !ok {
		return []types.Signal{}
	}
	msgs := q.messages
	q.messages = nil
	q.updated = now
	if msgs == nil {
		msgs = []types.Signal{}
	}
	return msgs
}

func (s *MemoryStore) GetAllPeers() []types.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]types.Member, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// PruneStale evicts members idle longer than maxAge along with their queues,
// and drops queues nobody owns once they have been idle as long.
func (s *MemoryStore) PruneStale(maxAge time.Duration) []types.Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	var pruned []types.Member

	for id, peer := range s.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(s.peers, id)
			delete(s.queues, id)
			s.removeFromRoomLocked(peer.Room, id)
			pruned = append(pruned, peer)
		}
	}

	for id, q := range s.queues {
		if _, registered := s.peers[id]; !registered && q.updated.Before(cutoff) {
			delete(s.queues, id)
		}
	}
	return pruned
}
