package session

import (
	"time"
)

// Role tags who produced a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleModel:
		return true
	}
	return false
}

// Message is one turn of a conversation
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a new Message stamped with the current time
func NewMessage(role Role, text string) Message {
	return Message{Role: role, Text: text, CreatedAt: time.Now().UTC()}
}

// Session represents a conversation and its ordered history
type Session struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Session) clone() *Session {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	return &out
}

// BuildContents assembles the message list for the next model call: the
// system instruction, prior turns in order, then the new prompt.
func BuildContents(system string, history []Message, prompt string) []Message {
	contents := make([]Message, 0, len(history)+2)
	if system != "" {
		contents = append(contents, Message{Role: RoleSystem, Text: system})
	}
	for _, m := range history {
		// Stored histories never carry system turns; skip any that slipped in.
		if m.Role == RoleSystem {
			continue
		}
		contents = append(contents, m)
	}
	return append(contents, Message{Role: RoleUser, Text: prompt})
}
