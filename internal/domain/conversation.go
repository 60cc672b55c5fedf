package domain

import "time"

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a stylist chat.
type ChatMessage struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Conversation is a chat transcript.
type Conversation struct {
	ID        string        `json:"id"`
	Messages  []ChatMessage `json:"messages"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Append adds a message and bumps UpdatedAt.
func (c *Conversation) Append(role, text string, at time.Time) {
	c.Messages = append(c.Messages, ChatMessage{Role: role, Text: text, At: at})
	c.UpdatedAt = at
}
