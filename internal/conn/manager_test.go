package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errFakeClosed = errors.New("fake transport closed")

type fakeTransport struct {
	in     chan Frame
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return Frame{}, errFakeClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *fakeTransport) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case <-t.closed:
		return errFakeClosed
	default:
	}
	select {
	case t.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	creds []Credentials
	conns []*fakeTransport
	fail  int // fail the next n dials; negative fails forever
}

func (d *fakeDialer) Dial(_ context.Context, creds Credentials) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, creds)
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.conns = append(d.conns, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

type statusRecorder struct {
	mu     sync.Mutex
	states []status.State
}

func (r *statusRecorder) handle(evt Event) {
	var ch status.Change
	if err := evt.Decode(&ch); err != nil {
		return
	}
	r.mu.Lock()
	r.states = append(r.states, ch.Status)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []status.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.State(nil), r.states...)
}

func fastConfig() Config {
	return Config{
		DialTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ReconnectBase:   5 * time.Millisecond,
		ReconnectMax:    20 * time.Millisecond,
		ReconnectJitter: 0.1,
	}
}

func newTestManager(t *testing.T, d Dialer) (*Manager, *metrics.Metrics, *statusRecorder) {
	t.Helper()
	met := metrics.New(prometheus.NewRegistry())
	m := NewManager(d, fastConfig(), zaptest.NewLogger(t), met)
	rec := &statusRecorder{}
	m.OnEvent(EventConnectionStatus, rec.handle)
	t.Cleanup(m.Disconnect)
	return m, met, rec
}

var alice = Credentials{Token: "tok-alice"}

func TestConnectIsIdempotentForSameCredentials(t *testing.T) {
	d := &fakeDialer{}
	m, met, rec := newTestManager(t, d)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, alice))
	require.NoError(t, m.Connect(ctx, alice))

	assert.Equal(t, 1, d.dials())
	assert.Equal(t, 0.0, testutil.ToFloat64(met.ReconnectAttempts))
	assert.Equal(t, []status.State{status.Connected}, rec.snapshot())
	assert.True(t, m.Connected())
	assert.Equal(t, status.Connected, m.Status())
	assert.Equal(t, 1.0, testutil.ToFloat64(met.Connected))
}

func TestConnectWithNewCredentialsReplacesSession(t *testing.T) {
	d := &fakeDialer{}
	m, _, rec := newTestManager(t, d)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, alice))
	first := d.last()
	bob := Credentials{Token: "tok-bob"}
	require.NoError(t, m.Connect(ctx, bob))

	assert.Equal(t, 2, d.dials())
	assert.True(t, first.isClosed())
	assert.Equal(t, []status.State{status.Connected, status.Disconnected, status.Connected}, rec.snapshot())
	assert.Equal(t, bob, d.creds[1])
}

func TestInitialDialFailure(t *testing.T) {
	d := &fakeDialer{fail: 1}
	m, met, rec := newTestManager(t, d)

	err := m.Connect(context.Background(), alice)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, 0.0, testutil.ToFloat64(met.ReconnectAttempts))
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, status.Disconnected, m.Status())
}

func TestSendWhileDisconnected(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeDialer{})
	err := m.Send(context.Background(), "message:new", map[string]string{"body": "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendWritesFrame(t *testing.T) {
	d := &fakeDialer{}
	m, met, _ := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), alice))

	require.NoError(t, m.Send(context.Background(), "conversation:read", map[string]string{"conversationId": "c1"}))

	select {
	case f := <-d.last().out:
		assert.Equal(t, "conversation:read", f.Event)
		assert.JSONEq(t, `{"conversationId":"c1"}`, string(f.Data))
	case <-time.After(time.Second):
		t.Fatal("frame not written")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(met.OutboundEvents.WithLabelValues("conversation:read", "ok")))
}

func TestSendWriteFailure(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), alice))
	tr := d.last()

	// Block the write by filling the buffer, then let the write deadline pass.
	for i := 0; i < cap(tr.out); i++ {
		tr.out <- Frame{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Send(ctx, "message:new", nil)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	d := &fakeDialer{}
	m, met, _ := newTestManager(t, d)

	var mu sync.Mutex
	var got []string
	record := func(tag string) Handler {
		return func(evt Event) {
			mu.Lock()
			got = append(got, tag+":"+string(evt.Data))
			mu.Unlock()
		}
	}
	m.OnEvent("message:new", record("a"))
	m.OnEvent("message:new", record("b"))
	m.OnEvent("conversation:new", record("c"))

	require.NoError(t, m.Connect(context.Background(), alice))
	tr := d.last()
	tr.in <- Frame{Event: "message:new", Data: json.RawMessage(`1`)}
	tr.in <- Frame{Event: "conversation:new", Data: json.RawMessage(`2`)}
	tr.in <- Frame{Event: "message:new", Data: json.RawMessage(`3`)}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a:1", "b:1", "c:2", "a:3", "b:3"}, got)
	assert.Equal(t, 2.0, testutil.ToFloat64(met.InboundEvents.WithLabelValues("message:new")))
}

func TestRemoveHandler(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d)

	calls := make(chan string, 4)
	remove := m.OnEvent("x", func(Event) { calls <- "removed" })
	m.OnEvent("x", func(Event) { calls <- "kept" })
	remove()
	remove()

	require.NoError(t, m.Connect(context.Background(), alice))
	d.last().in <- Frame{Event: "x"}

	select {
	case c := <-calls:
		assert.Equal(t, "kept", c)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	select {
	case c := <-calls:
		t.Fatalf("unexpected call %q", c)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInboundConnectionStatusFrameIsDropped(t *testing.T) {
	d := &fakeDialer{}
	m, met, rec := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), alice))
	got := make(chan struct{}, 1)
	m.OnEvent("ping", func(Event) { got <- struct{}{} })

	tr := d.last()
	tr.in <- Frame{Event: EventConnectionStatus, Data: json.RawMessage(`{"status":"disconnected"}`)}
	tr.in <- Frame{Event: "ping"}

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("ping not dispatched")
	}
	assert.Equal(t, []status.State{status.Connected}, rec.snapshot())
	assert.Equal(t, status.Connected, m.Status())
	assert.Equal(t, 0.0, testutil.ToFloat64(met.InboundEvents.WithLabelValues(EventConnectionStatus)))
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	d := &fakeDialer{}
	m, met, rec := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), alice))
	first := d.last()
	d.setFail(2)
	first.Close()

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []status.State{status.Connected, status.Reconnecting, status.Connected}, rec.snapshot())
	assert.Equal(t, 4, d.dials())
	assert.Equal(t, 3.0, testutil.ToFloat64(met.ReconnectAttempts))
	for _, c := range d.creds {
		assert.Equal(t, alice, c)
	}

	second := d.last()
	require.NotSame(t, first, second)
	require.NoError(t, m.Send(context.Background(), "ping", nil))
	select {
	case f := <-second.out:
		assert.Equal(t, "ping", f.Event)
	case <-time.After(time.Second):
		t.Fatal("frame not written to new transport")
	}
}

func TestSendWhileReconnecting(t *testing.T) {
	d := &fakeDialer{}
	m, _, rec := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), alice))
	d.setFail(-1)
	d.last().Close()

	require.Eventually(t, func() bool {
		return m.Status() == status.Reconnecting
	}, time.Second, 5*time.Millisecond)

	assert.False(t, m.Connected())
	assert.ErrorIs(t, m.Send(context.Background(), "ping", nil), ErrNotConnected)
	assert.Contains(t, rec.snapshot(), status.Reconnecting)
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, met, rec := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), alice))
	d.setFail(-1)
	d.last().Close()

	require.Eventually(t, func() bool {
		return d.dials() >= 3
	}, time.Second, 5*time.Millisecond)

	m.Disconnect()
	after := d.dials()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, after, d.dials())
	assert.Equal(t, status.Disconnected, m.Status())
	assert.Equal(t, 0.0, testutil.ToFloat64(met.Connected))
	states := rec.snapshot()
	assert.Equal(t, status.Disconnected, states[len(states)-1])
}

func TestDisconnectClosesTransport(t *testing.T) {
	d := &fakeDialer{}
	m, _, rec := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), alice))
	m.Disconnect()

	assert.True(t, d.last().isClosed())
	assert.False(t, m.Connected())
	assert.Equal(t, []status.State{status.Connected, status.Disconnected}, rec.snapshot())
}

func TestDisconnectWhenIdle(t *testing.T) {
	m, _, rec := newTestManager(t, &fakeDialer{})
	m.Disconnect()
	m.Disconnect()
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, status.Disconnected, m.Status())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	d := &fakeDialer{}
	m, _, rec := newTestManager(t, d)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, alice))
	m.Disconnect()
	require.NoError(t, m.Connect(ctx, alice))

	assert.Equal(t, 2, d.dials())
	assert.Equal(t, []status.State{status.Connected, status.Disconnected, status.Connected}, rec.snapshot())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ReconnectJitter: 2}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	custom := Config{ReconnectBase: 2 * time.Second}.withDefaults()
	assert.Equal(t, 2*time.Second, custom.ReconnectBase)
	assert.Equal(t, 30*time.Second, custom.ReconnectMax)
}

func TestReconnectScheduleDoublesWithinJitter(t *testing.T) {
	cfg := Config{
		ReconnectBase:   100 * time.Millisecond,
		ReconnectMax:    2 * time.Second,
		ReconnectJitter: 0.2,
	}.withDefaults()

	for n := 0; n < 50; n++ {
		schedule := newReconnectSchedule(cfg)
		nominal := cfg.ReconnectBase
		for attempt := 1; attempt <= 12; attempt++ {
			delay := schedule.Next()
			lo := time.Duration(float64(nominal) * (1 - cfg.ReconnectJitter))
			hi := min(time.Duration(float64(nominal)*(1+cfg.ReconnectJitter))+time.Millisecond, cfg.ReconnectMax)
			assert.GreaterOrEqual(t, delay, lo-time.Millisecond, "attempt %d", attempt)
			assert.LessOrEqual(t, delay, hi, "attempt %d", attempt)
			assert.LessOrEqual(t, delay, cfg.ReconnectMax, "attempt %d", attempt)
			nominal = min(2*nominal, cfg.ReconnectMax)
		}
	}
}

func TestReconnectScheduleWithoutJitter(t *testing.T) {
	cfg := Config{
		ReconnectBase:   time.Second,
		ReconnectMax:    30 * time.Second,
		ReconnectJitter: 0,
	}.withDefaults()

	schedule := newReconnectSchedule(cfg)
	var got []time.Duration
	for n := 0; n < 7; n++ {
		got = append(got, schedule.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}

func TestReconnectScheduleNeverExceedsMax(t *testing.T) {
	cfg := DefaultConfig()
	for n := 0; n < 200; n++ {
		schedule := newReconnectSchedule(cfg)
		for k := 0; k < 10; k++ {
			assert.LessOrEqual(t, schedule.Next(), cfg.ReconnectMax)
		}
	}
}

func TestCredentialsHeader(t *testing.T) {
	h := Credentials{Token: "abc", Cookie: "sid=1"}.Header()
	assert.Equal(t, "Bearer abc", h.Get("Authorization"))
	assert.Equal(t, "sid=1", h.Get("Cookie"))

	assert.Empty(t, Credentials{}.Header())
}
