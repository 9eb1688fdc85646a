package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// echoServer accepts authorized clients and replays every frame back
// under the "echo" event name.
func echoServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		for {
			var f Frame
			if err := wsjson.Read(ctx, c, &f); err != nil {
				return
			}
			f.Event = "echo"
			if err := wsjson.Write(ctx, c, f); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := echoServer(t, "secret")
	m := NewManager(&WebSocketDialer{URL: wsURL(srv)}, fastConfig(), zaptest.NewLogger(t), nil)
	t.Cleanup(m.Disconnect)

	got := make(chan Event, 1)
	m.OnEvent("echo", func(evt Event) { got <- evt })

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, Credentials{Token: "secret"}))
	require.NoError(t, m.Send(ctx, "message:new", map[string]string{"body": "hello"}))

	select {
	case evt := <-got:
		var payload struct {
			Body string `json:"body"`
		}
		require.NoError(t, evt.Decode(&payload))
		assert.Equal(t, "hello", payload.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestWebSocketRejectedHandshake(t *testing.T) {
	srv := echoServer(t, "secret")
	m := NewManager(&WebSocketDialer{URL: wsURL(srv)}, fastConfig(), zaptest.NewLogger(t), nil)

	err := m.Connect(context.Background(), Credentials{Token: "wrong"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, m.Connected())
}
