package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/drqsatoshi/bitchat/internal/mesh"
	"github.com/drqsatoshi/bitchat/internal/session"
)

// terminalView prints the conversation as plain lines.
type terminalView struct {
	mu        sync.Mutex
	out       io.Writer
	connected int
	status    string
}

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out, connected: -1}
}

func (v *terminalView) Show(e session.Entry) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stamp := e.Time.Format("15:04")
	switch e.Kind {
	case session.EntryChat:
		lock := ""
		if e.Encrypted {
			lock = " [e2e]"
		}
		fmt.Fprintf(v.out, "[%s] <%s>%s %s\n", stamp, e.Nickname, lock, e.Content)
	case session.EntryError:
		fmt.Fprintf(v.out, "[%s] !! %s\n", stamp, e.Content)
	default:
		fmt.Fprintf(v.out, "[%s] * %s\n", stamp, e.Content)
	}
}

// Clear scrolls the terminal clean.
func (v *terminalView) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprint(v.out, "\033[H\033[2J")
}

func (v *terminalView) PeersChanged(peers []mesh.PeerInfo) {
	n := 0
	for _, p := range peers {
		if p.Connected {
			n++
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if n == v.connected {
		return
	}
	v.connected = n
	fmt.Fprintf(v.out, "-- %d peer(s) connected\n", n)
}

func (v *terminalView) Status(status string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if status == v.status {
		return
	}
	v.status = status
	fmt.Fprintf(v.out, "-- %s\n", status)
}
