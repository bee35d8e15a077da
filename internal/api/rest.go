package api

import (
	"encoding/json"
	"net/http"

	"github.com/drqsatoshi/bitchat/internal/types"
)

var success = map[string]bool{"success": true}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req types.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" || req.Nickname == "" || req.Room == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	roster, err := s.join(types.Member{
		PeerID:    req.PeerID,
		Nickname:  req.Nickname,
		Room:      req.Room,
		Transport: types.TransportPoll,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, types.PeersResponse{Type: types.SignalPeers, Peers: roster})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var msg types.Signal
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message format")
		return
	}
	if msg.To == "" {
		writeError(w, http.StatusBadRequest, "Missing recipient")
		return
	}

	if msg.From != "" {
		s.store.Touch(msg.From)
	}
	s.deliver(msg.To, msg)

	writeJSON(w, http.StatusOK, success)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	peerID := types.PeerID(r.URL.Query().Get("peerId"))
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "Missing peerId")
		return
	}

	writeJSON(w, http.StatusOK, types.PollResponse{Messages: s.store.Drain(peerID)})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req types.LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "Missing peerId")
		return
	}

	s.leave(req.PeerID)
	writeJSON(w, http.StatusOK, success)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "Missing peerId")
		return
	}

	if err := s.store.Touch(req.PeerID); err != nil {
		writeError(w, http.StatusNotFound, "Peer not found")
		return
	}
	writeJSON(w, http.StatusOK, success)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "BitChat Signaling Server",
		"status":  "active",
		"peers":   len(s.store.GetAllPeers()),
		"sockets": s.connMgr.Count(),
		"endpoints": map[string]string{
			"websocket": "GET /ws",
			"join":      "POST /api/signal?action=join",
			"signal":    "POST /api/signal?action=signal",
			"poll":      "GET /api/signal?action=poll&peerId=<peerId>",
			"leave":     "POST /api/signal?action=leave",
			"heartbeat": "POST /api/signal?action=heartbeat",
		},
	})
}
