package mesh

import (
	"encoding/json"
	"fmt"
)

// MarshalMessage serializes a ChatMessage for a data channel.
func MarshalMessage(msg ChatMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage deserializes a data channel frame. Frames without a type
// or message id are rejected since they cannot be deduplicated.
func UnmarshalMessage(data []byte) (ChatMessage, error) {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to unmarshal chat message: %w", err)
	}
	if msg.Type == "" || msg.MessageID == "" {
		return ChatMessage{}, fmt.Errorf("chat message missing type or messageId: %w", ErrMalformedMessage)
	}
	return msg, nil
}
