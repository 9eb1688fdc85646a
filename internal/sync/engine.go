package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/conn"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrEmptyBody is returned when a message body is blank.
	ErrEmptyBody    = errors.New("sync: message body is empty")
	// ErrNotRetryable is returned when retrying a message that has not failed.
	ErrNotRetryable = errors.New("sync: only failed messages can be retried")
)

// Connection is the part of the connection manager the engine needs.
type Connection interface {
	Send(ctx context.Context, event string, payload any) error
	OnEvent(event string, h conn.Handler) (remove func())
	Connected() bool
	Status() status.State
}

// Config tunes the engine.
type Config struct {
	AckTimeout time.Duration
}

// Engine translates inbound wire events into store mutations and user
// actions into outbound events. Store changes and connection status are
// re-published on the bus for the view layer.
type Engine struct {
	conn    Connection
	store   *store.Store
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracker *outbox.Tracker

	removes []func()
}

// NewEngine creates a new sync engine.
func NewEngine(cfg Config, c Connection, s *store.Store, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	e := &Engine{
		conn:    c,
		store:   s,
		bus:     b,
		logger:  logger,
		metrics: m,
	}
	e.tracker = outbox.NewTracker(cfg.AckTimeout, e.onAckTimeout, logger)
	return e
}

// Start registers the inbound handlers and the store-to-bus bridge.
// Start and Stop must not be called concurrently.
func (e *Engine) Start() {
	if e.removes != nil {
		return
	}
	e.removes = []func(){
		e.conn.OnEvent(EventConversationNew, e.handle(e.onConversationNew)),
		e.conn.OnEvent(EventConversationUpdated, e.handle(e.onConversationUpdated)),
		e.conn.OnEvent(EventConversationRemoved, e.handle(e.onConversationRemoved)),
		e.conn.OnEvent(EventMessageNew, e.handle(e.onMessageNew)),
		e.conn.OnEvent(EventMessageAck, e.handle(e.onMessageAck)),
		e.conn.OnEvent(conn.EventConnectionStatus, e.handle(e.onConnectionStatus)),
		e.store.Subscribe(e.publishChange),
	}
}

// Stop unregisters every handler and cancels outstanding ack timers.
func (e *Engine) Stop() {
	for _, remove := range e.removes {
		remove()
	}
	e.removes = nil
	e.tracker.Stop()
	e.metrics.PendingAcks.Set(0)
}

// ConnectionStatus returns the current connection state.
func (e *Engine) ConnectionStatus() status.State {
	return e.conn.Status()
}

// SelectConversation makes id the active conversation, clears its unread
// counter and tells the server it was read. The read receipt is best-effort.
func (e *Engine) SelectConversation(ctx context.Context, id string) {
	e.store.SetActiveConversation(id)
	e.store.ClearUnread(id)

	if err := e.conn.Send(ctx, EventConversationRead, readPayload{ID: id}); err != nil {
		e.logger.Warn("read receipt not sent", zap.String("conversation_id", id), zap.Error(err))
	}
}

// LeaveConversation clears the active selection.
func (e *Engine) LeaveConversation() {
	e.store.SetActiveConversation("")
}

// SendMessage appends a pending message and sends it. The returned message
// carries the temporary id; it turns sent when the server acks it and
// failed when the ack does not arrive in time. When disconnected, including a
// drop between the check and the write, the store is left as it was and
// ErrNotConnected is returned.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string) (store.Message, error) {
	if strings.TrimSpace(body) == "" {
		return store.Message{}, ErrEmptyBody
	}
	return e.send(ctx, conversationID, body, "")
}

// RetryMessage resends a failed message as a new pending message. The
// original stays failed.
func (e *Engine) RetryMessage(ctx context.Context, conversationID, messageID string) (store.Message, error) {
	orig, ok := e.store.Message(conversationID, messageID)
	if !ok {
		return store.Message{}, fmt.Errorf("retry %s: %w", messageID, store.ErrMessageNotFound)
	}
	if orig.Status != store.StatusFailed {
		return store.Message{}, fmt.Errorf("retry %s (%s): %w", messageID, orig.Status, ErrNotRetryable)
	}
	return e.send(ctx, conversationID, orig.Body, orig.ID)
}

func (e *Engine) send(ctx context.Context, conversationID, body, retryOf string) (store.Message, error) {
	if !e.conn.Connected() {
		return store.Message{}, conn.ErrNotConnected
	}

	now := time.Now()
	msg := store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.store.LocalUserID(),
		Body:           body,
		CreatedAt:      now,
		Status:         store.StatusPending,
		RetryOf:        retryOf,
	}
	msg.TempID = msg.ID

	var prev *store.Conversation
	if c, ok := e.store.Conversation(conversationID); ok {
		prev = &c
	}
	e.store.EnsureConversation(conversationID, nil, now)
	if !e.store.AppendMessage(conversationID, msg) {
		return store.Message{}, fmt.Errorf("send to %s: %w", conversationID, store.ErrUnknownConversation)
	}

	e.tracker.Track(outbox.Pending{TempID: msg.ID, ConversationID: conversationID, SentAt: now})
	e.metrics.PendingAcks.Set(float64(e.tracker.Len()))

	err := e.conn.Send(ctx, EventMessageNew, outboundMessage{
		ConversationID: conversationID,
		Body:           body,
		TempID:         msg.ID,
	})
	if err != nil {
		e.tracker.Resolve(msg.ID)
		e.metrics.PendingAcks.Set(float64(e.tracker.Len()))
		// The connection dropped after the check above: nothing was written.
		if errors.Is(err, conn.ErrNotConnected) {
			e.store.DiscardPending(conversationID, msg.ID, prev)
			return store.Message{}, err
		}
		failed, markErr := e.store.MarkFailed(conversationID, msg.ID, err.Error())
		if markErr != nil {
			e.logger.Error("failed to mark message failed", zap.String("temp_id", msg.ID), zap.Error(markErr))
			return msg, err
		}
		return failed, err
	}

	e.logger.Debug("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("temp_id", msg.ID))
	return msg, nil
}

func (e *Engine) onAckTimeout(p outbox.Pending) {
	e.metrics.AckTimeouts.Inc()
	e.metrics.PendingAcks.Set(float64(e.tracker.Len()))
	if _, err := e.store.MarkFailed(p.ConversationID, p.TempID, outbox.ErrAckTimeout.Error()); err != nil {
		e.logger.Debug("ack timeout on settled message", zap.String("temp_id", p.TempID), zap.Error(err))
	}
}

// handle adapts a typed handler to a connection handler, logging payloads
// that do not decode.
func (e *Engine) handle(fn func(conn.Event) error) conn.Handler {
	return func(evt conn.Event) {
		if err := fn(evt); err != nil {
			e.logger.Warn("failed to apply inbound event",
				zap.String("event", evt.Name),
				zap.Error(err))
		}
	}
}

func (e *Engine) onConversationNew(evt conn.Event) error {
	var c store.Conversation
	if err := evt.Decode(&c); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	e.store.UpsertConversation(c)
	return nil
}

func (e *Engine) onConversationUpdated(evt conn.Event) error {
	var p store.ConversationPatch
	if err := evt.Decode(&p); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if p.ID == "" {
		return errors.New("missing conversation id")
	}
	e.store.EnsureConversation(p.ID, nil, time.Time{})
	e.store.MergeConversation(p)
	return nil
}

func (e *Engine) onConversationRemoved(evt conn.Event) error {
	var p removedPayload
	if err := evt.Decode(&p); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if !e.store.RemoveConversation(p.ID) {
		e.logger.Debug("removed conversation was not in the inbox", zap.String("conversation_id", p.ID))
	}
	return nil
}

func (e *Engine) onMessageNew(evt conn.Event) error {
	var in inboundMessage
	if err := evt.Decode(&in); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if in.ConversationID == "" || in.ID == "" {
		return errors.New("message without id or conversation")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	// The server echoed one of ours before acking it.
	if in.TempID != "" {
		if p, ok := e.tracker.Resolve(in.TempID); ok {
			e.settle(p, in.ID, in.CreatedAt)
			return nil
		}
		if m, ok := e.store.Message(in.ConversationID, in.TempID); ok && m.Status == store.StatusFailed {
			e.logger.Warn("echo for message that already failed",
				zap.String("temp_id", in.TempID),
				zap.String("real_id", in.ID))
			return nil
		}
	}

	e.store.EnsureConversation(in.ConversationID, nil, in.CreatedAt)
	e.store.AppendMessage(in.ConversationID, in.toStore())
	return nil
}

func (e *Engine) onMessageAck(evt conn.Event) error {
	var ack ackPayload
	if err := evt.Decode(&ack); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	p, ok := e.tracker.Resolve(ack.TempID)
	if !ok {
		e.logger.Warn("ack for unknown or expired message",
			zap.String("temp_id", ack.TempID),
			zap.String("real_id", ack.RealID))
		return nil
	}
	e.settle(p, ack.RealID, ack.CreatedAt)
	return nil
}

func (e *Engine) settle(p outbox.Pending, realID string, createdAt time.Time) {
	e.metrics.Acks.Inc()
	e.metrics.PendingAcks.Set(float64(e.tracker.Len()))
	if _, err := e.store.MarkSent(p.ConversationID, p.TempID, realID, createdAt); err != nil {
		e.logger.Warn("failed to mark message sent",
			zap.String("temp_id", p.TempID),
			zap.String("real_id", realID),
			zap.Error(err))
	}
}

func (e *Engine) onConnectionStatus(evt conn.Event) error {
	var ch status.Change
	if err := evt.Decode(&ch); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConnectionStatus,
		Timestamp: time.Now(),
		Payload:   ch,
	})
	return nil
}

func (e *Engine) publishChange(c store.Change) {
	e.bus.Publish(bus.Event{
		Kind:      "store." + string(c.Kind),
		Timestamp: time.Now(),
		Payload:   c,
	})
}
