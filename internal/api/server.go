package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/drqsatoshi/bitchat/internal/store"
	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

// Config tunes the rendezvous service timers.
type Config struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	PingInterval  time.Duration // zero disables websocket keepalive pings
}

// DefaultConfig matches the production thresholds.
func DefaultConfig() Config {
	return Config{
		StaleAfter:    5 * time.Minute,
		SweepInterval: 30 * time.Second,
		PingInterval:  25 * time.Second,
	}
}

// Server represents the rendezvous (signalling) server. It serves both
// signaling variants over one membership table: push clients on /ws and
// polling clients on /api/signal.
type Server struct {
	addr      string
	cfg       Config
	store     store.PeerStore
	upgrader  websocket.Upgrader
	connMgr   *ConnectionManager
	logger    *slog.Logger
	assistant http.Handler
}

// NewServer creates a new instance of the rendezvous server.
func NewServer(addr string, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		cfg:     cfg,
		store:   store.NewMemoryStore(),
		connMgr: NewConnectionManager(logger),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetAssistant mounts the chat-assistant proxy at /api/chat. It must be
// called before Handler.
func (s *Server) SetAssistant(h http.Handler) {
	s.assistant = h
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.runCleanupLoop(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("signal server starting", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetPeer retrieves a registered peer (convenience for testing).
func (s *Server) GetPeer(id types.PeerID) (types.Member, bool) {
	return s.store.GetPeer(id)
}

func (s *Server) runCleanupLoop(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts stale members, closes their sockets and tells their rooms.
func (s *Server) Sweep() int {
	pruned := s.store.PruneStale(s.cfg.StaleAfter)
	for _, p := range pruned {
		s.connMgr.Close(p.PeerID)
		s.notifyRoom(p.Room, p.PeerID, leftSignal(p))
	}
	if len(pruned) > 0 {
		s.logger.Info("pruned stale peers", "count", len(pruned))
	}
	return len(pruned)
}

// Handler returns the HTTP handler for the server, CORS-open.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth)

	r.HandleFunc("/api/signal", s.handleJoin).Methods(http.MethodPost).Queries("action", "join")
	r.HandleFunc("/api/signal", s.handleSignal).Methods(http.MethodPost).Queries("action", "signal")
	r.HandleFunc("/api/signal", s.handlePoll).Methods(http.MethodGet).Queries("action", "poll")
	r.HandleFunc("/api/signal", s.handleLeave).Methods(http.MethodPost).Queries("action", "leave")
	r.HandleFunc("/api/signal", s.handleHeartbeat).Methods(http.MethodPost).Queries("action", "heartbeat")
	r.HandleFunc("/api/signal", s.handleInfo)

	if s.assistant != nil {
		r.Handle("/api/chat", s.assistant).Methods(http.MethodPost)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Visitor-Id"},
	})
	return c.Handler(r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"action", r.URL.Query().Get("action"), "elapsed", time.Since(start))
	})
}

// handleHealth returns a simple 200 OK.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// join registers m and fans the arrival out to its room. A refresh in the
// same room is silent.
func (s *Server) join(m types.Member) ([]types.PeerSummary, error) {
	roster, previous, err := s.store.Join(m)
	if err != nil {
		return nil, err
	}

	if previous != nil && previous.Room != m.Room {
		s.notifyRoom(previous.Room, m.PeerID, leftSignal(*previous))
	}
	if previous == nil || previous.Room != m.Room {
		s.notifyRoom(m.Room, m.PeerID, types.Signal{
			Type:     types.SignalPeerJoined,
			PeerID:   m.PeerID,
			Nickname: m.Nickname,
			Room:     m.Room,
		})
	}
	s.logger.Info("peer joined", "peer", m.PeerID, "room", m.Room, "transport", m.Transport, "roster", len(roster))
	return roster, nil
}

// leave removes the peer and tells its room. Unknown peers are a no-op.
func (s *Server) leave(peerID types.PeerID) {
	m, ok := s.store.Leave(peerID)
	if !ok {
		return
	}
	s.notifyRoom(m.Room, peerID, leftSignal(m))
	s.logger.Info("peer left", "peer", peerID, "room", m.Room)
}

// deliver routes msg to its recipient: push members get it on their live
// socket (dropped when there is none), everyone else gets it queued.
func (s *Server) deliver(to types.PeerID, msg types.Signal) {
	if m, ok := s.store.GetPeer(to); ok && m.Transport == types.TransportPush {
		s.connMgr.SendTo(to, msg)
		return
	}
	s.store.Enqueue(to, msg)
}

func (s *Server) notifyRoom(room string, exclude types.PeerID, msg types.Signal) {
	for _, p := range s.store.PeersInRoom(room, exclude) {
		s.deliver(p.PeerID, msg)
	}
}

func leftSignal(m types.Member) types.Signal {
	return types.Signal{
		Type:     types.SignalPeerLeft,
		PeerID:   m.PeerID,
		Nickname: m.Nickname,
		Room:     m.Room,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
