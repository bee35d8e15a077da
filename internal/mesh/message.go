package mesh

import (
	"time"

	"github.com/drqsatoshi/bitchat/internal/secure"
	"github.com/drqsatoshi/bitchat/internal/types"
	"github.com/google/uuid"
)

// MessageType tags a chat message travelling over the mesh.
type MessageType string

const (
	MessageChat        MessageType = "CHAT"
	MessageEncrypted   MessageType = "ENCRYPTED_MSG"
	MessageSystem      MessageType = "SYSTEM"
	MessageKeyExchange MessageType = "KEY_EXCHANGE"
	MessageRelay       MessageType = "RELAY"
)

// ChatMessage is the payload exchanged on peer data channels.
// MessageID is stable across relay hops.
type ChatMessage struct {
	Type             MessageType      `json:"type"`
	From             types.PeerID     `json:"from"`
	To               types.PeerID     `json:"to,omitempty"`
	Nickname         string           `json:"nickname"`
	Content          string           `json:"content"`
	Timestamp        int64            `json:"timestamp"`
	MessageID        string           `json:"messageId"`
	HopCount         int              `json:"hopCount"`
	EncryptedData    *secure.Envelope `json:"encryptedData,omitempty"`
	PublicKey        string           `json:"publicKey,omitempty"`
	SigningPublicKey string           `json:"signingPublicKey,omitempty"`
}

// NewMessageID returns a fresh globally unique message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewMessage builds a local-origin message stamped with a fresh id and the
// current time.
func NewMessage(typ MessageType, from types.PeerID, nickname, content string) ChatMessage {
	return ChatMessage{
		Type:      typ,
		From:      from,
		Nickname:  nickname,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		MessageID: NewMessageID(),
	}
}

// Time returns the sender's timestamp.
func (m ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// seenKey is the dedup key. Copies of one logical message addressed to
// different peers share a MessageID, so addressed copies are keyed per
// recipient.
func (m ChatMessage) seenKey() string {
	if m.To == "" {
		return m.MessageID
	}
	return m.MessageID + "@" + string(m.To)
}
