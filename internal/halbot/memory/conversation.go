// Package memory implements the token-budgeted conversation memory that
// sits between the chat gateway and the completion API.
//
// Each conversation owns a list of persona (system) messages and an
// append-only log of exchanges. An exchange is one accepted user message
// plus the assistant reply, stored together with the token cost attributed
// to it. Exchanges are the atomic unit of storage and eviction: the oldest
// ones are dropped whole once the configured budget would be exceeded.
//
// All state is volatile and lives for the lifetime of the process.
package memory

import (
	"github.com/google/uuid"

	"github.com/bdobrica/halbot/internal/halbot/completion"
)

// Role aliases the completion role so callers need a single vocabulary.
type Role = completion.Role

const (
	RoleSystem    = completion.RoleSystem
	RoleUser      = completion.RoleUser
	RoleAssistant = completion.RoleAssistant
)

// Message is a single message kept in memory.
type Message struct {
	Role Role
	// Author is a display name for transcripts; it is never submitted to
	// the completion API.
	Author  string
	Content string
}

// Exchange is one stored user/assistant round-trip.
type Exchange struct {
	ID        uuid.UUID
	TokenCost int
	User      Message
	Assistant Message
}

// NewExchange builds an exchange with a fresh ID.
func NewExchange(cost int, user, assistant Message) Exchange {
	return Exchange{
		ID:        uuid.New(),
		TokenCost: cost,
		User:      user,
		Assistant: assistant,
	}
}

// Conversation is the memory of one conversation scope.
type Conversation struct {
	ID      string
	Persona []Message  // insertion order
	History []Exchange // oldest first
}

// Snapshot is a read-only deep copy of a conversation. Mutating it never
// affects the store.
type Snapshot struct {
	ID      string
	Persona []Message
	History []Exchange
}

// TotalTokens returns the summed cost of the snapshot's history.
func (s Snapshot) TotalTokens() int {
	return sumCosts(s.History)
}

// snapshot copies c. Must be called with c's section held.
func (c *Conversation) snapshot() Snapshot {
	return Snapshot{
		ID:      c.ID,
		Persona: append([]Message(nil), c.Persona...),
		History: append([]Exchange(nil), c.History...),
	}
}
