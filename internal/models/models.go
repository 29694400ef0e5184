package models

import "time"

// Conversation is the running thread of all messages from one contact.
type Conversation struct {
	ID             string    `json:"id"`
	ContactPhone   string    `json:"contactPhone"`
	IsHighPriority bool      `json:"isHighPriority"`
	IsOptedOut     bool      `json:"isOptedOut"`
	CreatedAt      time.Time `json:"createdAt"`
	Messages       []Message `json:"messages"`
}

// Message represents an inbound customer message with its classification
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Body           string    `json:"body"`
	Sender         string    `json:"sender"`
	Intent         Intent    `json:"intent"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

func NewConversation(id, contactPhone string, now time.Time) *Conversation {
	return &Conversation{
		ID:           id,
		ContactPhone: contactPhone,
		CreatedAt:    now,
		Messages:     []Message{},
	}
}

// Flags returns the conversation's sticky flags as a lattice value.
func (c *Conversation) Flags() Flags {
	return Flags{HighPriority: c.IsHighPriority, OptedOut: c.IsOptedOut}
}

// Raise merges f into the conversation's flags. Flags already set stay set.
func (c *Conversation) Raise(f Flags) {
	merged := c.Flags().Merge(f)
	c.IsHighPriority = merged.HighPriority
	c.IsOptedOut = merged.OptedOut
}

// Clone returns a deep copy, including the message list.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return &out
}
