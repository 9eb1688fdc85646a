package sync

import (
	"time"

	"github.com/matheus3301/convsync/internal/store"
)

// Wire event names exchanged with the messaging backend.
const (
	EventConversationNew     = "conversation:new"
	EventConversationUpdated = "conversation:updated"
	EventConversationRemoved = "conversation:removed"
	EventConversationRead    = "conversation:read"
	EventMessageNew          = "message:new"
	EventMessageAck          = "message:ack"
)

// inboundMessage is the payload of an inbound message:new. TempID is set
// when the server echoes a message this session sent.
type inboundMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
	TempID         string    `json:"tempId,omitempty"`
}

type ackPayload struct {
	TempID    string    `json:"tempId"`
	RealID    string    `json:"realId"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

type removedPayload struct {
	ID string `json:"id"`
}

// outboundMessage is the payload of an outbound message:new.
type outboundMessage struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	TempID         string `json:"tempId"`
}

type readPayload struct {
	ID string `json:"id"`
}

func (m inboundMessage) toStore() store.Message {
	return store.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
		Status:         store.StatusSent,
	}
}
