package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/status"
	"go.uber.org/zap"
)

// Config tunes dialing, writes and the reconnect schedule.
type Config struct {
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64
}

// DefaultConfig returns the production reconnect schedule: 1s doubling up
// to 30s with ±20% jitter.
func DefaultConfig() Config {
	return Config{
		DialTimeout:     10 * time.Second,
		WriteTimeout:    5 * time.Second,
		ReconnectBase:   time.Second,
		ReconnectMax:    30 * time.Second,
		ReconnectJitter: 0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		c.ReconnectJitter = d.ReconnectJitter
	}
	return c
}

// Manager owns the single live connection of a session. It dials, keeps the
// transport alive across unexpected closures and fans inbound frames out to
// registered handlers in arrival order.
type Manager struct {
	dialer  Dialer
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	machine *status.Machine

	// opMu serializes Connect and Disconnect.
	opMu sync.Mutex

	mu   sync.Mutex
	sess *session
	tr   Transport

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int
}

type session struct {
	creds  Credentials
	cancel context.CancelFunc
	done   chan struct{}
}

type handlerEntry struct {
	id int
	fn Handler
}

// NewManager creates a disconnected manager.
func NewManager(d Dialer, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Manager{
		dialer:   d,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  m,
		machine:  status.NewMachine(),
		handlers: make(map[string][]handlerEntry),
	}
}

// Connect opens the connection with the given credentials. It is a no-op when
// a session with equal credentials is already active, connected or
// reconnecting. Different credentials tear the current session down first.
// A failed initial dial is returned and does not start reconnecting.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cur := m.sess
	m.mu.Unlock()
	if cur != nil {
		if cur.creds == creds {
			return nil
		}
		m.logger.Info("credentials changed, replacing connection")
		m.teardown()
	}

	tr, err := m.dial(ctx, creds)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{creds: creds, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.sess = sess
	m.tr = tr
	m.mu.Unlock()

	m.transition(status.Connected)
	go m.supervise(sctx, sess, tr)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect.
// Safe to call when not connected.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	sess := m.sess
	if sess == nil {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.tr = nil
	sess.cancel()
	m.mu.Unlock()

	<-sess.done
	m.transition(status.Disconnected)
}

// Send writes one event. It fails with ErrNotConnected when no transport is
// live; there is no acknowledgment beyond the transport's own.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := tr.WriteFrame(wctx, Frame{Event: event, Data: data}); err != nil {
		m.metrics.OutboundEvents.WithLabelValues(event, "error").Inc()
		return &TransportError{Op: "write " + event, Err: err}
	}
	m.metrics.OutboundEvents.WithLabelValues(event, "ok").Inc()
	return nil
}

// OnEvent registers a handler for an event name. Handlers for the same name
// run in registration order, once per event, on the connection's read
// goroutine; they must not call Connect or Disconnect.
func (m *Manager) OnEvent(event string, h Handler) (remove func()) {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(e handlerEntry) bool {
			return e.id == id
		})
	}
}

// Status returns the current connection state.
func (m *Manager) Status() status.State {
	return m.machine.Current()
}

// Connected reports whether a transport is live right now.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tr != nil
}

func (m *Manager) dial(ctx context.Context, creds Credentials) (Transport, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return m.dialer.Dial(dctx, creds)
}

// supervise reads from the live transport and replaces it after unexpected
// closures until the session is cancelled.
func (m *Manager) supervise(ctx context.Context, sess *session, tr Transport) {
	defer close(sess.done)
	for {
		err := m.readLoop(ctx, tr)
		_ = tr.Close()
		m.mu.Lock()
		if m.tr == tr {
			m.tr = nil
		}
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("connection lost", zap.Error(&TransportError{Op: "read", Err: err}))
		m.transition(status.Reconnecting)

		next, err := m.reconnect(ctx, sess.creds)
		if err != nil {
			return
		}
		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			_ = next.Close()
			return
		}
		m.tr = next
		m.mu.Unlock()

		tr = next
		m.transition(status.Connected)
	}
}

func (m *Manager) readLoop(ctx context.Context, tr Transport) error {
	for {
		f, err := tr.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if f.Event == "" || f.Event == EventConnectionStatus {
			m.logger.Warn("dropping inbound frame with reserved or empty name", zap.String("event", f.Event))
			continue
		}
		m.metrics.InboundEvents.WithLabelValues(f.Event).Inc()
		m.dispatch(Event{Name: f.Event, Data: f.Data})
	}
}

// reconnectSchedule yields the waits between reconnect attempts: the base
// doubling per attempt with jitter applied, clamped to ReconnectMax.
type reconnectSchedule struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

func newReconnectSchedule(cfg Config) *reconnectSchedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBase
	b.MaxInterval = cfg.ReconnectMax
	b.RandomizationFactor = cfg.ReconnectJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnectSchedule{b: b, max: cfg.ReconnectMax}
}

// Next returns the wait before the next attempt. The library applies jitter
// after capping at MaxInterval, so the cap is applied again here.
func (s *reconnectSchedule) Next() time.Duration {
	return min(s.b.NextBackOff(), s.max)
}

// reconnect dials with exponential backoff until it succeeds or ctx is done.
func (m *Manager) reconnect(ctx context.Context, creds Credentials) (Transport, error) {
	schedule := newReconnectSchedule(m.cfg)

	for attempt := 1; ; attempt++ {
		delay := schedule.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		m.metrics.ReconnectAttempts.Inc()
		tr, err := m.dial(ctx, creds)
		if err == nil {
			m.logger.Info("reconnected", zap.Int("attempt", attempt))
			return tr, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("waited", delay),
			zap.Error(err))
	}
}

func (m *Manager) transition(to status.State) {
	change, err := m.machine.Transition(to)
	if err != nil {
		m.logger.Debug("ignoring state transition", zap.Error(err))
		return
	}
	if to == status.Connected {
		m.metrics.Connected.Set(1)
	} else {
		m.metrics.Connected.Set(0)
	}
	m.logger.Info("connection status changed",
		zap.String("from", string(change.Previous)),
		zap.String("to", string(change.Status)))

	data, err := json.Marshal(change)
	if err != nil {
		m.logger.Error("encode status change", zap.Error(err))
		return
	}
	m.dispatch(Event{Name: EventConnectionStatus, Data: data})
}

func (m *Manager) dispatch(evt Event) {
	m.hmu.RLock()
	hs := slices.Clone(m.handlers[evt.Name])
	m.hmu.RUnlock()

	for _, h := range hs {
		h.fn(evt)
	}
}
