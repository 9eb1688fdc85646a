package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebSocketDialer dials the messaging backend over WebSocket and exchanges
// JSON frames.
type WebSocketDialer struct {
	URL string
	// ReadLimit caps a single inbound frame in bytes; 0 keeps the library default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, creds Credentials) (Transport, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: creds.Header(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{c: c}, nil
}

type wsTransport struct {
	c    *websocket.Conn
	once sync.Once
}

func (t *wsTransport) ReadFrame(ctx context.Context) (Frame, error) {
	var f Frame
	err := wsjson.Read(ctx, t.c, &f)
	return f, err
}

func (t *wsTransport) WriteFrame(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, t.c, f)
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.c.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
