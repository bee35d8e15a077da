package mesh_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drqsatoshi/bitchat/internal/mesh"
	"github.com/drqsatoshi/bitchat/internal/mesh/meshtest"
	"github.com/drqsatoshi/bitchat/internal/secure"
	"github.com/drqsatoshi/bitchat/internal/types"
)

type recorder struct {
	mu       sync.Mutex
	messages []mesh.ChatMessage
	statuses []string

	msgCh  chan mesh.ChatMessage
	openCh chan types.PeerID
	candCh chan types.PeerID
}

func newRecorder() *recorder {
	return &recorder{
		msgCh:  make(chan mesh.ChatMessage, 64),
		openCh: make(chan types.PeerID, 16),
		candCh: make(chan types.PeerID, 16),
	}
}

func (r *recorder) OnMessage(msg mesh.ChatMessage, via types.PeerID) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.msgCh <- msg
}

func (r *recorder) OnPeersChanged([]mesh.PeerInfo) {}

func (r *recorder) OnLinkOpen(peerID types.PeerID) { r.openCh <- peerID }

func (r *recorder) OnCandidate(peerID types.PeerID, c types.ICECandidate) {
	select {
	case r.candCh <- peerID:
	default:
	}
}

func (r *recorder) OnStatus(s string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) next(t *testing.T) mesh.ChatMessage {
	t.Helper()
	select {
	case msg := <-r.msgCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return mesh.ChatMessage{}
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.msgCh:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func (r *recorder) waitOpen(t *testing.T, peerID types.PeerID) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case id := <-r.openCh:
			if id == peerID {
				return
			}
		case <-deadline:
			t.Fatalf("link to %s never opened", peerID)
		}
	}
}

type node struct {
	id   types.PeerID
	mgr  *mesh.Manager
	obs  *recorder
	conn *meshtest.Connector
}

func newNode(t *testing.T, network *meshtest.Network, id types.PeerID) *node {
	t.Helper()
	obs := newRecorder()
	conn := network.Connector(id)
	mgr := mesh.NewManager(id, conn, obs, mesh.DefaultConfig(), nil)
	t.Cleanup(func() { mgr.Close() })
	return &node{id: id, mgr: mgr, obs: obs, conn: conn}
}

func connect(t *testing.T, a, b *node) {
	t.Helper()
	ctx := context.Background()

	if err := a.mgr.CreatePeerConnection(b.id, string(b.id), true); err != nil {
		t.Fatalf("create initiator: %v", err)
	}
	if err := b.mgr.CreatePeerConnection(a.id, string(a.id), false); err != nil {
		t.Fatalf("create responder: %v", err)
	}
	offer, err := a.mgr.CreateOffer(ctx, b.id)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	answer, err := b.mgr.AcceptOffer(ctx, a.id, offer)
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if err := a.mgr.AcceptAnswer(b.id, answer); err != nil {
		t.Fatalf("accept answer: %v", err)
	}
	a.obs.waitOpen(t, b.id)
	b.obs.waitOpen(t, a.id)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLinkEstablishment(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")

	connect(t, a, b)

	info, ok := a.mgr.Peer("b")
	if !ok || !info.Connected || info.State != mesh.LinkConnected || !info.Initiator {
		t.Errorf("unexpected peer info on initiator: %+v", info)
	}
	if n := b.mgr.ConnectedCount(); n != 1 {
		t.Errorf("responder connected count = %d", n)
	}
}

func TestRelayAcrossLine(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	c := newNode(t, network, "c")
	connect(t, a, b)
	connect(t, b, c)

	msg := mesh.NewMessage(mesh.MessageChat, "a", "alice", "hello")
	if err := a.mgr.SendMessage(msg); err != nil {
		t.Fatal(err)
	}

	atB := b.obs.next(t)
	if atB.MessageID != msg.MessageID || atB.HopCount != 0 {
		t.Errorf("b got %+v", atB)
	}
	atC := c.obs.next(t)
	if atC.MessageID != msg.MessageID {
		t.Errorf("relay changed message id: %s != %s", atC.MessageID, msg.MessageID)
	}
	if atC.HopCount != 1 {
		t.Errorf("relayed hop count = %d, want 1", atC.HopCount)
	}
	if atC.Content != "hello" || atC.From != "a" {
		t.Errorf("relay altered payload: %+v", atC)
	}

	// The relay back towards b and a must not echo.
	a.obs.expectNone(t)
	b.obs.expectNone(t)
}

func TestHopBudget(t *testing.T) {
	network := meshtest.NewNetwork()
	ids := []types.PeerID{"n0", "n1", "n2", "n3", "n4", "n5"}
	nodes := make([]*node, len(ids))
	for i, id := range ids {
		nodes[i] = newNode(t, network, id)
	}
	for i := 0; i+1 < len(nodes); i++ {
		connect(t, nodes[i], nodes[i+1])
	}

	msg := mesh.NewMessage(mesh.MessageChat, "n0", "zero", "far")
	nodes[0].mgr.SendMessage(msg)

	for hop := 0; hop <= 3; hop++ {
		got := nodes[hop+1].obs.next(t)
		if got.HopCount != hop {
			t.Errorf("node %d saw hop %d, want %d", hop+1, got.HopCount, hop)
		}
	}
	// n4 received with hopCount == maxHops and must not relay.
	nodes[5].obs.expectNone(t)
}

func TestDedupInTriangle(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	c := newNode(t, network, "c")
	connect(t, a, b)
	connect(t, b, c)
	connect(t, a, c)

	msg := mesh.NewMessage(mesh.MessageChat, "a", "alice", "once")
	a.mgr.SendMessage(msg)

	b.obs.next(t)
	c.obs.next(t)
	b.obs.expectNone(t)
	c.obs.expectNone(t)

	if n := a.obs.count(); n != 0 {
		t.Errorf("originator delivered its own message %d times", n)
	}
	if b.obs.count() != 1 || c.obs.count() != 1 {
		t.Errorf("delivery counts b=%d c=%d, want 1 each", b.obs.count(), c.obs.count())
	}
}

func TestAddressedMessages(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	c := newNode(t, network, "c")
	connect(t, a, b)
	connect(t, b, c)

	toB := mesh.NewMessage(mesh.MessageChat, "a", "alice", "for b")
	toB.To = "b"
	if err := a.mgr.SendToPeer("b", toB); err != nil {
		t.Fatal(err)
	}
	if got := b.obs.next(t); got.Content != "for b" {
		t.Errorf("b got %+v", got)
	}
	c.obs.expectNone(t)

	toC := mesh.NewMessage(mesh.MessageChat, "a", "alice", "for c")
	toC.To = "c"
	a.mgr.SendMessage(toC)
	if got := c.obs.next(t); got.Content != "for c" {
		t.Errorf("c got %+v", got)
	}
	b.obs.expectNone(t)

	// Copies sharing a message id but addressed to different peers are
	// distinct.
	again := toB
	again.To = "c"
	a.mgr.SendMessage(again)
	if got := c.obs.next(t); got.MessageID != toB.MessageID {
		t.Errorf("c got %+v", got)
	}
}

func TestSendToPeerErrors(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")

	msg := mesh.NewMessage(mesh.MessageChat, "a", "alice", "x")
	if err := a.mgr.SendToPeer("ghost", msg); !errors.Is(err, mesh.ErrPeerNotFound) {
		t.Errorf("absent peer: %v", err)
	}

	a.mgr.CreatePeerConnection("b", "bob", true)
	if err := a.mgr.SendToPeer("b", msg); !errors.Is(err, mesh.ErrPeerNotConnected) {
		t.Errorf("unconnected peer: %v", err)
	}

	if err := a.mgr.CreatePeerConnection("a", "self", true); !errors.Is(err, mesh.ErrLinkFailure) {
		t.Errorf("self link: %v", err)
	}
}

func TestRemovePeer(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	connect(t, a, b)

	a.mgr.RemovePeer("b")
	a.mgr.RemovePeer("b")

	if _, ok := a.mgr.Peer("b"); ok {
		t.Error("b still present after removal")
	}
	eventually(t, "b to drop its failed link", func() bool {
		_, ok := b.mgr.Peer("a")
		return !ok
	})
	if a.mgr.ConnectedCount() != 0 || b.mgr.ConnectedCount() != 0 {
		t.Error("connected counts not zero")
	}
}

func TestFailedLinkRemovesPeer(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	connect(t, a, b)

	links := a.conn.Links("b")
	links[len(links)-1].Fail()

	eventually(t, "a to remove b", func() bool {
		_, ok := a.mgr.Peer("b")
		return !ok
	})
}

func TestReplacedLinkEventsIgnored(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")

	a.mgr.CreatePeerConnection("b", "bob", true)
	a.mgr.CreatePeerConnection("b", "bob", true)

	links := a.conn.Links("b")
	if len(links) != 2 {
		t.Fatalf("expected two links, got %d", len(links))
	}
	// The first link was closed when replaced; its Closed event must not
	// remove the new record.
	time.Sleep(50 * time.Millisecond)
	if _, ok := a.mgr.Peer("b"); !ok {
		t.Error("replacement record removed by stale link")
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")

	a.mgr.HandleIncoming("x", []byte("not json"))
	a.mgr.HandleIncoming("x", []byte(`{"type":"CHAT","content":"no id"}`))
	a.obs.expectNone(t)

	a.mgr.HandleIncoming("x", []byte(`{"type":"CHAT","from":"x","messageId":"m1","content":"ok"}`))
	if got := a.obs.next(t); got.MessageID != "m1" {
		t.Errorf("got %+v", got)
	}
	a.mgr.HandleIncoming("x", []byte(`{"type":"CHAT","from":"x","messageId":"m1","content":"ok"}`))
	a.obs.expectNone(t)
}

func TestCandidates(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")

	a.mgr.CreatePeerConnection("b", "bob", true)
	if _, err := a.mgr.CreateOffer(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-a.obs.candCh:
		if id != "b" {
			t.Errorf("candidate for %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no local candidate surfaced")
	}

	if err := a.mgr.AddICECandidate("b", types.ICECandidate{Candidate: "candidate:1"}); err != nil {
		t.Fatal(err)
	}
	if got := a.conn.Links("b")[0].Candidates(); len(got) != 1 {
		t.Errorf("link saw %d candidates", len(got))
	}
	if err := a.mgr.AddICECandidate("ghost", types.ICECandidate{}); !errors.Is(err, mesh.ErrPeerNotFound) {
		t.Errorf("unknown peer candidate: %v", err)
	}
}

func TestPeerKeysAndNickname(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")
	a.mgr.CreatePeerConnection("b", "bob", false)

	if _, _, ok := a.mgr.PeerKeys("b"); ok {
		t.Error("keys present before exchange")
	}

	kex, err := secure.GenerateKeyExchangeKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := secure.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	var secret secure.SharedSecret
	secret[0] = 7

	if err := a.mgr.UpdatePeerKeys("ghost", kex.Public, sig.Public, secret); !errors.Is(err, mesh.ErrPeerNotFound) {
		t.Errorf("unknown peer: %v", err)
	}
	if err := a.mgr.UpdatePeerKeys("b", kex.Public, sig.Public, secret); err != nil {
		t.Fatal(err)
	}
	got, signing, ok := a.mgr.PeerKeys("b")
	if !ok || got != secret || !signing.Equal(sig.Public) {
		t.Error("stored keys do not match")
	}

	if !a.mgr.UpdateNickname("b", "robert") {
		t.Error("rename reported missing peer")
	}
	info, _ := a.mgr.Peer("b")
	if info.Nickname != "robert" || !info.HasSecret {
		t.Errorf("peer info = %+v", info)
	}
}

func TestResetClearsSeen(t *testing.T) {
	network := meshtest.NewNetwork()
	a := newNode(t, network, "a")

	frame := []byte(`{"type":"CHAT","from":"x","messageId":"dup","content":"1"}`)
	a.mgr.HandleIncoming("x", frame)
	a.obs.next(t)

	a.mgr.Reset()
	a.mgr.HandleIncoming("x", frame)
	a.obs.next(t)

	a.mgr.Close()
	if err := a.mgr.SendMessage(mesh.NewMessage(mesh.MessageChat, "a", "a", "late")); !errors.Is(err, mesh.ErrClosed) {
		t.Errorf("send after close: %v", err)
	}
}
