package store

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const previewLen = 100

var (
	// ErrUnknownConversation is logged when a mutation targets a conversation
	// that is not in the inbox. The mutation is dropped.
	ErrUnknownConversation = errors.New("store: unknown conversation")
	// ErrMessageNotFound is returned when a message id is not in the conversation.
	ErrMessageNotFound     = errors.New("store: message not found")
)

// Store is the single source of truth for the inbox, the messages of each
// conversation and the active selection. All mutations are applied under one
// write lock, so readers never observe a partially applied change.
type Store struct {
	mu        sync.RWMutex
	localUser string
	inbox     []*Conversation
	messages  map[string][]*Message
	active    string
	logger    *zap.Logger

	lmu       sync.RWMutex
	listeners []listenerEntry
	nextID    int
}

type listenerEntry struct {
	id int
	fn Listener
}

// New creates an empty store. localUserID identifies messages sent by this
// session so they never count as unread.
func New(localUserID string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		localUser: localUserID,
		messages:  make(map[string][]*Message),
		logger:    logger,
	}
}

// LocalUserID returns the id of the user this store belongs to.
func (s *Store) LocalUserID() string {
	return s.localUser
}

// Subscribe registers a listener called after every committed mutation.
// Listeners run in registration order on the mutating goroutine after the
// lock is released and may read from the store.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		s.listeners = slices.DeleteFunc(s.listeners, func(e listenerEntry) bool { return e.id == id })
		s.lmu.Unlock()
	}
}

func (s *Store) notify(changes ...Change) {
	s.lmu.RLock()
	ls := slices.Clone(s.listeners)
	s.lmu.RUnlock()

	for _, c := range changes {
		for _, l := range ls {
			l.fn(c)
		}
	}
}

// UpsertConversation inserts c or replaces the entry with the same id and
// re-sorts the inbox. Participants of an existing entry are kept once set.
func (s *Store) UpsertConversation(c Conversation) {
	if c.ID == "" {
		s.logger.Warn("dropping conversation without id")
		return
	}
	c = c.clone()
	c.normalize()

	s.mu.Lock()
	if i := s.indexOf(c.ID); i >= 0 {
		existing := s.inbox[i]
		if len(existing.Participants) > 0 {
			c.Participants = existing.Participants
		}
		*existing = c
	} else {
		s.inbox = append(s.inbox, &c)
	}
	s.sortInbox()
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationUpserted, ConversationID: c.ID})
}

// EnsureConversation inserts a minimal conversation when id is absent.
// Returns true if one was created.
func (s *Store) EnsureConversation(id string, participants []string, activity time.Time) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	if s.indexOf(id) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.inbox = append(s.inbox, &Conversation{
		ID:           id,
		Participants: slices.Clone(participants),
		LastActivity: activity,
	})
	s.sortInbox()
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationUpserted, ConversationID: id})
	return true
}

// MergeConversation applies a shallow patch over an existing entry.
// Returns false if the conversation is not in the inbox.
func (s *Store) MergeConversation(p ConversationPatch) bool {
	s.mu.Lock()
	i := s.indexOf(p.ID)
	if i < 0 {
		s.mu.Unlock()
		s.logger.Warn("merge into unknown conversation",
			zap.String("conversation_id", p.ID),
			zap.Error(ErrUnknownConversation))
		return false
	}
	p.apply(s.inbox[i])
	s.sortInbox()
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationUpserted, ConversationID: p.ID})
	return true
}

// RemoveConversation drops a conversation and its messages. If it was the
// active one, the selection is cleared.
func (s *Store) RemoveConversation(id string) bool {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.inbox = slices.Delete(s.inbox, i, i+1)
	delete(s.messages, id)
	changes := []Change{{Kind: ConversationRemoved, ConversationID: id}}
	if s.active == id {
		s.active = ""
		changes = append(changes, Change{Kind: ActiveChanged})
	}
	s.mu.Unlock()

	s.notify(changes...)
	return true
}

// AppendMessage adds m to a conversation. It is a logged no-op when the
// conversation is absent. A message whose id is already present updates the
// stored copy without regressing its status or counting it twice.
func (s *Store) AppendMessage(conversationID string, m Message) bool {
	if m.ID == "" {
		s.logger.Warn("dropping message without id", zap.String("conversation_id", conversationID))
		return false
	}
	m.ConversationID = conversationID
	if m.Status == "" {
		m.Status = StatusSent
	}

	s.mu.Lock()
	i := s.indexOf(conversationID)
	if i < 0 {
		s.mu.Unlock()
		s.logger.Warn("append to unknown conversation",
			zap.String("conversation_id", conversationID),
			zap.String("msg_id", m.ID),
			zap.Error(ErrUnknownConversation))
		return false
	}
	c := s.inbox[i]
	list := s.messages[conversationID]

	if j := indexOfMessage(list, m.ID); j >= 0 {
		existing := list[j]
		existing.Body = m.Body
		if !m.CreatedAt.IsZero() {
			existing.CreatedAt = m.CreatedAt
		}
		if canTransition(existing.Status, m.Status) {
			existing.Status = m.Status
		}
		sortMessages(list)
	} else {
		stored := m
		s.messages[conversationID] = append(list, &stored)
		sortMessages(s.messages[conversationID])
		if s.active != conversationID && m.SenderID != s.localUser {
			c.UnreadCount++
		}
	}

	if c.LastMessage == nil || !m.CreatedAt.Before(c.LastMessage.Timestamp) {
		c.LastMessage = &LastMessage{
			SenderID:  m.SenderID,
			Preview:   truncate(m.Body, previewLen),
			Timestamp: m.CreatedAt,
		}
	}
	if m.CreatedAt.After(c.LastActivity) {
		c.LastActivity = m.CreatedAt
	}
	s.sortInbox()
	s.mu.Unlock()

	s.notify(
		Change{Kind: MessageUpserted, ConversationID: conversationID, MessageID: m.ID},
		Change{Kind: ConversationUpserted, ConversationID: conversationID},
	)
	return true
}

// MarkSent moves a pending message to sent, replacing its temporary id with
// the server id in place. If the server copy already arrived under realID the
// pending duplicate is dropped.
func (s *Store) MarkSent(conversationID, tempID, realID string, createdAt time.Time) (Message, error) {
	s.mu.Lock()
	list := s.messages[conversationID]
	j := indexOfMessage(list, tempID)
	if j < 0 {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("mark sent %s: %w", tempID, ErrMessageNotFound)
	}
	pending := list[j]
	if !canTransition(pending.Status, StatusSent) {
		st := pending.Status
		s.mu.Unlock()
		return Message{}, fmt.Errorf("mark sent %s: message is %s", tempID, st)
	}

	target := pending
	if realID != "" && realID != tempID {
		if k := indexOfMessage(list, realID); k >= 0 {
			target = list[k]
			list = slices.Delete(list, j, j+1)
			s.messages[conversationID] = list
		} else {
			pending.ID = realID
		}
	}
	target.TempID = tempID
	target.Status = StatusSent
	if !createdAt.IsZero() {
		target.CreatedAt = createdAt
	}
	sortMessages(s.messages[conversationID])
	if i := s.indexOf(conversationID); i >= 0 && target.CreatedAt.After(s.inbox[i].LastActivity) {
		s.inbox[i].LastActivity = target.CreatedAt
		s.sortInbox()
	}
	out := *target
	s.mu.Unlock()

	s.notify(Change{Kind: MessageUpserted, ConversationID: conversationID, MessageID: out.ID})
	return out, nil
}

// MarkFailed moves a pending message to failed. Failed is terminal.
func (s *Store) MarkFailed(conversationID, id, reason string) (Message, error) {
	s.mu.Lock()
	list := s.messages[conversationID]
	j := indexOfMessage(list, id)
	if j < 0 {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("mark failed %s: %w", id, ErrMessageNotFound)
	}
	m := list[j]
	if !canTransition(m.Status, StatusFailed) {
		st := m.Status
		s.mu.Unlock()
		return Message{}, fmt.Errorf("mark failed %s: message is %s", id, st)
	}
	m.Status = StatusFailed
	m.Error = reason
	out := *m
	s.mu.Unlock()

	s.notify(Change{Kind: MessageUpserted, ConversationID: conversationID, MessageID: id})
	return out, nil
}

// DiscardPending takes back a pending message that never left the process.
// The conversation summary is restored from prev when it still shows the
// discarded message. A nil prev means the conversation was synthesized for
// this message; it is removed again if nothing else was added to it.
func (s *Store) DiscardPending(conversationID, id string, prev *Conversation) bool {
	s.mu.Lock()
	i := s.indexOf(conversationID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	list := s.messages[conversationID]
	j := indexOfMessage(list, id)
	if j < 0 || list[j].Status != StatusPending {
		s.mu.Unlock()
		return false
	}
	discarded := list[j]
	list = slices.Delete(list, j, j+1)
	s.messages[conversationID] = list

	changes := []Change{{Kind: MessageRemoved, ConversationID: conversationID, MessageID: id}}
	c := s.inbox[i]
	switch {
	case prev == nil && len(list) == 0:
		s.inbox = slices.Delete(s.inbox, i, i+1)
		delete(s.messages, conversationID)
		changes = append(changes, Change{Kind: ConversationRemoved, ConversationID: conversationID})
	case prev != nil && c.LastMessage != nil &&
		c.LastMessage.SenderID == discarded.SenderID &&
		c.LastMessage.Timestamp.Equal(discarded.CreatedAt):
		restored := prev.clone()
		c.LastMessage = restored.LastMessage
		c.LastActivity = restored.LastActivity
		s.sortInbox()
		changes = append(changes, Change{Kind: ConversationUpserted, ConversationID: conversationID})
	}
	s.mu.Unlock()

	s.notify(changes...)
	return true
}

// SetActiveConversation selects a conversation; "" clears the selection.
// Unknown ids are stored as-is and resolve to not found on read.
func (s *Store) SetActiveConversation(id string) {
	s.mu.Lock()
	if s.active == id {
		s.mu.Unlock()
		return
	}
	s.active = id
	s.mu.Unlock()

	s.notify(Change{Kind: ActiveChanged, ConversationID: id})
}

// ClearUnread resets the unread counter. Returns false if the conversation is absent.
func (s *Store) ClearUnread(id string) bool {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	if s.inbox[i].UnreadCount == 0 {
		s.mu.Unlock()
		return true
	}
	s.inbox[i].UnreadCount = 0
	s.mu.Unlock()

	s.notify(Change{Kind: UnreadCleared, ConversationID: id})
	return true
}

// ActiveConversationID returns the raw selection, which may not resolve.
func (s *Store) ActiveConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ActiveConversation resolves the selection against the inbox.
func (s *Store) ActiveConversation() (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return Conversation{}, false
	}
	i := s.indexOf(s.active)
	if i < 0 {
		return Conversation{}, false
	}
	return s.inbox[i].clone(), true
}

// Inbox returns a snapshot of the inbox, most recent activity first.
func (s *Store) Inbox() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.inbox))
	for i, c := range s.inbox {
		out[i] = c.clone()
	}
	return out
}

// Conversation returns a copy of one inbox entry.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return Conversation{}, false
	}
	return s.inbox[i].clone(), true
}

// Messages returns the messages of a conversation ordered by creation time.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// Message returns one message by its current id.
func (s *Store) Message(conversationID, id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	j := indexOfMessage(list, id)
	if j < 0 {
		return Message{}, false
	}
	return *list[j], true
}

// indexOf is a linear scan; the inbox is small and kept sorted for display.
func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.inbox, func(c *Conversation) bool { return c.ID == id })
}

func (s *Store) sortInbox() {
	slices.SortStableFunc(s.inbox, func(a, b *Conversation) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func indexOfMessage(list []*Message, id string) int {
	return slices.IndexFunc(list, func(m *Message) bool { return m.ID == id })
}

func sortMessages(list []*Message) {
	slices.SortStableFunc(list, func(a, b *Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
