package store

import (
	"maps"
	"slices"
	"time"
)

// DeliveryStatus is the delivery state of a message.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// canTransition reports whether a message may move from one status to another.
// sent and failed are terminal; a retry is a new message.
func canTransition(from, to DeliveryStatus) bool {
	if from == to {
		return true
	}
	return from == StatusPending && (to == StatusSent || to == StatusFailed)
}

// LastMessage is the denormalized summary shown in the inbox.
type LastMessage struct {
	SenderID  string    `json:"senderId"`
	Preview   string    `json:"preview"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is one inbox entry.
type Conversation struct {
	ID           string               `json:"id"`
	Participants []string             `json:"participants,omitempty"`
	LastRead     map[string]time.Time `json:"lastRead,omitempty"`
	LastMessage  *LastMessage         `json:"lastMessage,omitempty"`
	UnreadCount  int                  `json:"unreadCount"`
	LastActivity time.Time            `json:"lastActivity"`
}

func (c Conversation) clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	if c.LastRead != nil {
		out.LastRead = maps.Clone(c.LastRead)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// normalize fills derived fields so sorting has something to work with.
func (c *Conversation) normalize() {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.LastMessage != nil && c.LastMessage.Timestamp.After(c.LastActivity) {
		c.LastActivity = c.LastMessage.Timestamp
	}
}

// ConversationPatch is a shallow update: nil fields are left untouched.
// Participants are not patchable.
type ConversationPatch struct {
	ID           string               `json:"id"`
	LastRead     map[string]time.Time `json:"lastRead,omitempty"`
	LastMessage  *LastMessage         `json:"lastMessage,omitempty"`
	UnreadCount  *int                 `json:"unreadCount,omitempty"`
	LastActivity *time.Time           `json:"lastActivity,omitempty"`
}

func (p ConversationPatch) apply(c *Conversation) {
	if p.LastRead != nil {
		c.LastRead = maps.Clone(p.LastRead)
	}
	if p.LastMessage != nil {
		lm := *p.LastMessage
		c.LastMessage = &lm
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
	if p.LastActivity != nil {
		c.LastActivity = *p.LastActivity
	}
	c.normalize()
}

// Message is a single chat message. While pending, ID holds the local
// temporary id; after ack it holds the server id and TempID keeps the old one.
type Message struct {
	ID             string         `json:"id"`
	TempID         string         `json:"tempId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Body           string         `json:"body"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         DeliveryStatus `json:"status"`
	RetryOf        string         `json:"retryOf,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ChangeKind identifies what a committed mutation touched.
type ChangeKind string

const (
	ConversationUpserted ChangeKind = "conversation_upserted"
	ConversationRemoved  ChangeKind = "conversation_removed"
	MessageUpserted      ChangeKind = "message_upserted"
	MessageRemoved       ChangeKind = "message_removed"
	ActiveChanged        ChangeKind = "active_changed"
	UnreadCleared        ChangeKind = "unread_cleared"
)

// Change is delivered to listeners after a mutation is committed.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
}

// Listener receives store changes.
type Listener func(Change)
