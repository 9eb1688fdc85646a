package outbox

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAckTimeout is how long a sent message waits for its ack.
const DefaultAckTimeout = 10 * time.Second

// ErrAckTimeout is recorded on messages that were never acknowledged.
var ErrAckTimeout = errors.New("outbox: ack timeout")

// Pending is an outbound message awaiting its ack.
type Pending struct {
	TempID         string
	ConversationID string
	SentAt         time.Time
}

// Tracker correlates outbound messages with their acks and fires a timeout
// callback for messages that are never acknowledged. Timers are independent
// of the connection: a disconnect does not cancel them.
type Tracker struct {
	mu        sync.Mutex
	timeout   time.Duration
	entries   map[string]*entry
	onTimeout func(Pending)
	logger    *zap.Logger
}

type entry struct {
	p     Pending
	timer *time.Timer
}

// NewTracker creates a tracker. onTimeout runs on a timer goroutine.
func NewTracker(timeout time.Duration, onTimeout func(Pending), logger *zap.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		timeout:   timeout,
		entries:   make(map[string]*entry),
		onTimeout: onTimeout,
		logger:    logger,
	}
}

// Track starts the ack timer for a message. Tracking the same temp id twice
// restarts its timer.
func (t *Tracker) Track(p Pending) {
	if p.SentAt.IsZero() {
		p.SentAt = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[p.TempID]; ok {
		old.timer.Stop()
	}
	tempID := p.TempID
	e := &entry{p: p}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(tempID, e) })
	t.entries[tempID] = e
}

// Resolve stops tracking tempID. It returns false if the id is unknown,
// which is the case for late acks after the timeout fired.
func (t *Tracker) Resolve(tempID string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[tempID]
	if !ok {
		return Pending{}, false
	}
	e.timer.Stop()
	delete(t.entries, tempID)
	return e.p, true
}

// Len returns the number of messages awaiting an ack.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop cancels every timer without firing callbacks.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
}

func (t *Tracker) expire(tempID string, e *entry) {
	t.mu.Lock()
	cur, ok := t.entries[tempID]
	if !ok || cur != e {
		// Resolved or re-tracked in the meantime.
		t.mu.Unlock()
		return
	}
	delete(t.entries, tempID)
	t.mu.Unlock()

	t.logger.Warn("message not acknowledged",
		zap.String("temp_id", tempID),
		zap.String("conversation_id", e.p.ConversationID),
		zap.Duration("timeout", t.timeout))
	if t.onTimeout != nil {
		t.onTimeout(e.p)
	}
}
