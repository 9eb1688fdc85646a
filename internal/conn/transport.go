package conn

import (
	"context"
	"encoding/json"
	"net/http"
)

// EventConnectionStatus is the synthetic event emitted on every state
// transition. Frames with this name coming from the wire are dropped.
const EventConnectionStatus = "connection-status"

// Frame is one message on the wire: {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is what handlers receive.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Data, v)
}

// Handler processes one inbound event.
type Handler func(Event)

// Credentials are the session credentials supplied by the authentication
// layer. Either field may be empty. Credentials are comparable so a repeated
// Connect can detect that nothing changed.
type Credentials struct {
	Token  string
	Cookie string
}

// Header returns the HTTP headers that carry the credentials on the handshake.
func (c Credentials) Header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Cookie != "" {
		h.Set("Cookie", c.Cookie)
	}
	return h
}

// Transport is one established bidirectional frame stream.
type Transport interface {
	// ReadFrame blocks until a frame arrives, ctx is done or the stream breaks.
	ReadFrame(ctx context.Context) (Frame, error)
	// WriteFrame may be called concurrently with ReadFrame.
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Transport, error)
}
