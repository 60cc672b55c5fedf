// Package peer is the live transport between the primary and companion
// devices: request/reply messages with timeouts, best-effort context
// pushes and inbound listeners over a single websocket link.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates messages on the wire.
type MessageType string

const (
	TypeCheckConfiguration MessageType = "check_configuration"
	TypeChatMessage        MessageType = "chat_message"
	TypeUserProfile        MessageType = "user_profile"
	TypeUserProfileDeleted MessageType = "user_profile_deleted"
	TypeWardrobeUpdate     MessageType = "wardrobe_update"
)

// Message is a typed request, reply or context payload.
type Message struct {
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewMessage encodes body (which may be nil) into a message of type t.
func NewMessage(t MessageType, body any) (Message, error) {
	msg := Message{Type: t}
	if body == nil {
		return msg, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s body: %w", t, err)
	}
	msg.Body = data
	return msg, nil
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("decode %s body: %w", m.Type, errEmptyBody)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", m.Type, err)
	}
	return nil
}

var errEmptyBody = errors.New("empty body")

// CheckConfigurationReply answers check_configuration.
type CheckConfigurationReply struct {
	IsConfigured bool   `json:"isConfigured"`
	FirstName    string `json:"firstName,omitempty"`
}

// ChatRequest is the body of a chat_message request.
type ChatRequest struct {
	Text string `json:"text"`
}

// ChatReply answers chat_message.
type ChatReply struct {
	Response string `json:"response"`
}

// ProfileBody is the body of a user_profile push or context update.
// Payload, when present, is the encoded shared store record.
type ProfileBody struct {
	FirstName    string `json:"firstName"`
	IsConfigured bool   `json:"isConfigured"`
	Payload      []byte `json:"payload,omitempty"`
}

// WardrobeUpdate tells the companion to re-read a collection. An empty
// Collection means the wardrobe.
type WardrobeUpdate struct {
	Collection string `json:"collection,omitempty"`
}
