package bus

import "time"

// Event kinds published by the synchronizer.
const (
	KindConnectionStatus = "connection.status"

	KindConversationUpserted = "store.conversation_upserted"
	KindConversationRemoved  = "store.conversation_removed"
	KindMessageUpserted      = "store.message_upserted"
	KindMessageRemoved       = "store.message_removed"
	KindActiveChanged        = "store.active_changed"
	KindUnreadCleared        = "store.unread_cleared"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
