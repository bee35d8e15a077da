package signaling_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drqsatoshi/bitchat/internal/api"
	"github.com/drqsatoshi/bitchat/internal/signaling"
	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

type collector struct {
	msgs     chan types.Signal
	statuses chan string
}

func attach(s signaling.Signaler) *collector {
	c := &collector{
		msgs:     make(chan types.Signal, 64),
		statuses: make(chan string, 64),
	}
	s.OnMessage(func(msg types.Signal) { c.msgs <- msg })
	s.OnStatus(func(status string) {
		select {
		case c.statuses <- status:
		default:
		}
	})
	return c
}

func (c *collector) expect(t *testing.T, typ types.SignalType) types.Signal {
	t.Helper()
	select {
	case msg := <-c.msgs:
		if msg.Type != typ {
			t.Fatalf("expected %s, got %+v", typ, msg)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", typ)
	}
	return types.Signal{}
}

func (c *collector) waitStatus(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-c.statuses:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %q never reported", want)
		}
	}
}

func newRendezvous(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	cfg := api.DefaultConfig()
	cfg.PingInterval = 0
	s := api.NewServer(":0", cfg, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func urlFor(ts *httptest.Server, mode signaling.Mode) string {
	if mode == signaling.ModeWebSocket {
		return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	}
	return ts.URL + "/api/signal"
}

func newSignaler(t *testing.T, ts *httptest.Server, mode signaling.Mode, id types.PeerID) signaling.Signaler {
	t.Helper()
	s, err := signaling.New(signaling.Options{
		URL:               urlFor(ts, mode),
		Mode:              mode,
		PeerID:            id,
		Nickname:          "nick-" + string(id),
		Room:              "lobby",
		ReconnectDelay:    50 * time.Millisecond,
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestDetectMode(t *testing.T) {
	tests := []struct {
		url     string
		want    signaling.Mode
		wantErr bool
	}{
		{"ws://localhost:8080/ws", signaling.ModeWebSocket, false},
		{"wss://chat.example.com/ws", signaling.ModeWebSocket, false},
		{"http://localhost:8080/api/signal", signaling.ModePolling, false},
		{"https://chat.example.com/api/signal", signaling.ModePolling, false},
		{"ftp://example.com", "", true},
	}

	for _, tt := range tests {
		got, err := signaling.DetectMode(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("DetectMode(%q) error = %v", tt.url, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DetectMode(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}

	s, err := signaling.New(signaling.Options{URL: "wss://x/ws", Mode: signaling.ModeAuto})
	if err != nil {
		t.Fatalf("auto mode: %v", err)
	}
	if s.Mode() != signaling.ModeWebSocket {
		t.Errorf("auto mode resolved to %s", s.Mode())
	}
	if _, err := signaling.New(signaling.Options{URL: "http://x", Mode: "carrier-pigeon"}); !errors.Is(err, signaling.ErrUnknownMode) {
		t.Errorf("unknown mode error = %v", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	for _, mode := range []signaling.Mode{signaling.ModeWebSocket, signaling.ModePolling} {
		s, _ := signaling.New(signaling.Options{URL: "http://127.0.0.1:1/api/signal", Mode: mode})
		if err := s.Send(types.Signal{Type: types.SignalOffer, To: "x"}); !errors.Is(err, signaling.ErrNotConnected) {
			t.Errorf("%s: Send before connect = %v", mode, err)
		}
		if err := s.Disconnect(); err != nil {
			t.Errorf("%s: Disconnect before connect = %v", mode, err)
		}
	}
}

// roomScenario drives the same room events for a given variant and returns
// the envelope types observed by the first peer.
func roomScenario(t *testing.T, mode signaling.Mode) []types.SignalType {
	t.Helper()
	_, ts := newRendezvous(t)
	ctx := context.Background()

	x := newSignaler(t, ts, mode, "x")
	xc := attach(x)
	if err := x.Connect(ctx); err != nil {
		t.Fatalf("%s: x connect: %v", mode, err)
	}
	defer x.Disconnect()

	var seen []types.SignalType
	record := func(msg types.Signal) types.Signal {
		seen = append(seen, msg.Type)
		return msg
	}

	peers := record(xc.expect(t, types.SignalPeers))
	if len(peers.Peers) != 0 {
		t.Errorf("%s: first peer saw roster %+v", mode, peers.Peers)
	}

	y := newSignaler(t, ts, mode, "y")
	yc := attach(y)
	if err := y.Connect(ctx); err != nil {
		t.Fatalf("%s: y connect: %v", mode, err)
	}
	roster := yc.expect(t, types.SignalPeers)
	if len(roster.Peers) != 1 || roster.Peers[0].PeerID != "x" {
		t.Errorf("%s: y roster = %+v", mode, roster.Peers)
	}

	joined := record(xc.expect(t, types.SignalPeerJoined))
	if joined.PeerID != "y" || joined.Nickname != "nick-y" {
		t.Errorf("%s: PEER_JOINED = %+v", mode, joined)
	}

	if err := y.Send(types.Signal{
		Type: types.SignalOffer,
		To:   "x",
		SDP:  &types.SessionDescription{Type: "offer", SDP: "sdp-y"},
	}); err != nil {
		t.Fatalf("%s: send offer: %v", mode, err)
	}
	offer := record(xc.expect(t, types.SignalOffer))
	if offer.From != "y" || offer.SDP == nil || offer.SDP.SDP != "sdp-y" {
		t.Errorf("%s: OFFER = %+v", mode, offer)
	}

	y.Disconnect()
	left := record(xc.expect(t, types.SignalPeerLeft))
	if left.PeerID != "y" {
		t.Errorf("%s: PEER_LEFT = %+v", mode, left)
	}
	return seen
}

func TestVariantsProduceSameEnvelopes(t *testing.T) {
	push := roomScenario(t, signaling.ModeWebSocket)
	poll := roomScenario(t, signaling.ModePolling)

	if len(push) != len(poll) {
		t.Fatalf("push saw %v, poll saw %v", push, poll)
	}
	for i := range push {
		if push[i] != poll[i] {
			t.Errorf("envelope %d: push %s, poll %s", i, push[i], poll[i])
		}
	}
}

func TestWebSocketReconnects(t *testing.T) {
	_, ts := newRendezvous(t)

	a := newSignaler(t, ts, signaling.ModeWebSocket, "a")
	ac := attach(a)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Disconnect()
	ac.expect(t, types.SignalPeers)
	ac.waitStatus(t, signaling.StatusConnectedWebSocket)

	// Joining under the same id from another socket evicts a's socket.
	raw, _, err := websocket.DefaultDialer.Dial(urlFor(ts, signaling.ModeWebSocket), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	raw.WriteJSON(types.Signal{Type: types.SignalJoin, PeerID: "a", Nickname: "impostor", Room: "lobby"})

	ac.waitStatus(t, signaling.StatusDisconnected)
	ac.waitStatus(t, signaling.StatusConnectedWebSocket)
	ac.expect(t, types.SignalPeers)
}

func TestPollingJoinRetry(t *testing.T) {
	s, ts := newRendezvous(t)
	var attempts atomic.Int32
	target, _ := url.Parse(ts.URL)
	proxy := httputil.NewSingleHostReverseProxy(target)

	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "join" && attempts.Add(1) == 1 {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		proxy.ServeHTTP(w, r)
	}))
	defer flaky.Close()

	p := signaling.NewPollingSignaler(signaling.Options{
		URL:            flaky.URL + "/api/signal",
		PeerID:         "p",
		Nickname:       "pat",
		Room:           "lobby",
		ReconnectDelay: 30 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
	})
	pc := attach(p)

	err := p.Connect(context.Background())
	if !errors.Is(err, signaling.ErrJoinFailed) {
		t.Fatalf("first connect error = %v", err)
	}
	defer p.Disconnect()

	pc.expect(t, types.SignalPeers)
	if _, ok := s.GetPeer("p"); !ok {
		t.Error("peer not registered after retry")
	}
}

func TestPollingHeartbeatRejoins(t *testing.T) {
	s, ts := newRendezvous(t)

	p := signaling.NewPollingSignaler(signaling.Options{
		URL:               ts.URL + "/api/signal",
		PeerID:            "p",
		Nickname:          "pat",
		Room:              "lobby",
		PollInterval:      time.Hour,
		HeartbeatInterval: 30 * time.Millisecond,
	})
	pc := attach(p)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Disconnect()
	pc.expect(t, types.SignalPeers)

	resp, err := http.Post(ts.URL+"/api/signal?action=leave", "application/json", strings.NewReader(`{"peerId":"p"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	pc.expect(t, types.SignalPeers)
	if _, ok := s.GetPeer("p"); !ok {
		t.Error("peer not re-registered after heartbeat 404")
	}
}

func TestPollingDisconnectStopsAndLeaves(t *testing.T) {
	s, ts := newRendezvous(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newSignaler(t, ts, signaling.ModePolling, "p")
	pc := attach(p)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	pc.expect(t, types.SignalPeers)

	if err := p.Disconnect(); err != nil {
		t.Fatal(err)
	}
	pc.waitStatus(t, signaling.StatusDisconnected)

	if _, ok := s.GetPeer("p"); ok {
		t.Error("peer still registered after disconnect")
	}
	if err := p.Send(types.Signal{Type: types.SignalOffer, To: "x"}); !errors.Is(err, signaling.ErrNotConnected) {
		t.Errorf("send after disconnect = %v", err)
	}
	// A second call is a no-op.
	p.Disconnect()
}

func TestPollingStopDefersLeave(t *testing.T) {
	s, ts := newRendezvous(t)

	p := newSignaler(t, ts, signaling.ModePolling, "p")
	pc := attach(p)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	pc.expect(t, types.SignalPeers)

	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	pc.waitStatus(t, signaling.StatusDisconnected)
	if _, ok := s.GetPeer("p"); !ok {
		t.Fatal("Stop told the service we left")
	}

	p.Disconnect()
	if _, ok := s.GetPeer("p"); ok {
		t.Error("peer still registered after Disconnect")
	}
}

func TestWebSocketJoinPrecedesSends(t *testing.T) {
	_, ts := newRendezvous(t)

	w := newSignaler(t, ts, signaling.ModeWebSocket, "w")
	wc := attach(w)

	// Keep sending from another goroutine while the socket comes up. The
	// service must still see JOIN first.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		offer := types.Signal{
			Type: types.SignalOffer,
			To:   "nobody",
			SDP:  &types.SessionDescription{Type: "offer", SDP: "sdp"},
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			if w.Send(offer) == nil {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	if err := w.Connect(context.Background()); err != nil {
		close(stop)
		<-done
		t.Fatal(err)
	}
	wc.expect(t, types.SignalPeers)
	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-done
	w.Disconnect()

	select {
	case msg := <-wc.msgs:
		t.Errorf("unexpected frame after join: %+v", msg)
	default:
	}
}

func TestWebSocketDisconnectStopsReconnecting(t *testing.T) {
	s, ts := newRendezvous(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := newSignaler(t, ts, signaling.ModeWebSocket, "w")
	wc := attach(w)
	if err := w.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	wc.expect(t, types.SignalPeers)

	w.Disconnect()
	time.Sleep(100 * time.Millisecond)

	if _, ok := s.GetPeer("w"); ok {
		t.Error("peer still registered after socket close")
	}
}
