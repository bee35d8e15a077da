package session

import (
	"fmt"
	"strings"

	"github.com/drqsatoshi/bitchat/internal/mesh"
	"github.com/drqsatoshi/bitchat/internal/types"
)

const helpText = "Commands: /nick <name>, /join <room>, /who, /clear, /help"

func (s *Session) command(line string) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/nick":
		if len(args) == 0 {
			s.show(EntryError, "Usage: /nick <name>")
			return
		}
		s.rename(args[0])

	case "/join":
		if len(args) == 0 {
			s.show(EntryError, "Usage: /join <room>")
			return
		}
		s.switchRoom(args[0])

	case "/who":
		var names []string
		for _, p := range s.mesh.Peers() {
			if p.Connected {
				names = append(names, p.Nickname)
			}
		}
		list := "None"
		if len(names) > 0 {
			list = strings.Join(names, ", ")
		}
		s.show(EntrySystem, fmt.Sprintf("Connected peers: %s", list))

	case "/clear":
		if s.view != nil {
			s.view.Clear()
		}
		s.show(EntrySystem, "Chat cleared")

	case "/help":
		s.show(EntrySystem, helpText)

	default:
		s.show(EntryError, fmt.Sprintf("Unknown command: %s", name))
	}
}

// rename changes the local nickname and tells the mesh.
func (s *Session) rename(nickname string) {
	old := s.nickname
	if nickname == old {
		return
	}
	s.nickname = nickname

	msg := mesh.NewMessage(mesh.MessageSystem, s.cfg.PeerID, nickname,
		fmt.Sprintf("%s is now known as %s", old, nickname))
	if err := s.mesh.SendMessage(msg); err != nil {
		s.logger.Warn("announcing nickname", "error", err)
	}
	s.show(EntrySystem, fmt.Sprintf("Nickname changed to %s", nickname))
}

// switchRoom leaves the current room and joins another. The old signaler is
// disconnected before links are torn down so the service sees the departure
// first.
func (s *Session) switchRoom(room string) {
	if room == s.room {
		s.show(EntrySystem, fmt.Sprintf("Already in room %s", room))
		return
	}
	s.show(EntrySystem, fmt.Sprintf("Switching to room: %s", room))

	old := s.sig
	s.sig = nil
	s.room = room

	go func() {
		if old != nil {
			old.Disconnect()
		}
		s.do(func() {
			// A later /join superseded this one.
			if s.room != room {
				return
			}
			s.mesh.Reset()
			s.roster = make(map[types.PeerID]string)
			s.joinRoom()
		})
	}()
}

func (s *Session) joinRoom() {
	sig, err := s.openSignaler()
	if err != nil {
		s.show(EntryError, fmt.Sprintf("Failed to join %s: %v", s.room, err))
		return
	}
	s.sig = sig

	ctx, room := s.ctx, s.room
	go func() {
		if err := sig.Connect(ctx); err != nil {
			s.logger.Warn("joining room", "room", room, "error", err)
			s.do(func() { s.show(EntryError, "Failed to connect to signaling server") })
		}
	}()
}
