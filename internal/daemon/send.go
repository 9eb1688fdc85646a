package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/convsync/internal/auth"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/conn"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"go.uber.org/zap"
)

// SendOnce opens its own connection, sends one message and waits until the
// server acknowledges it or it fails. It does not take the session lock, so
// it works next to a running daemon.
func SendOnce(ctx context.Context, cfg *config.Session, conversationID, body string, logger *zap.Logger) (store.Message, error) {
	return sendOnce(ctx, cfg, &conn.WebSocketDialer{URL: cfg.URL}, conversationID, body, logger)
}

func sendOnce(ctx context.Context, cfg *config.Session, dialer conn.Dialer, conversationID, body string, logger *zap.Logger) (store.Message, error) {
	creds, err := auth.Load(authSource(cfg))
	if err != nil {
		return store.Message{}, err
	}
	userID, err := localUserID(cfg, creds, logger)
	if err != nil {
		return store.Message{}, err
	}

	st := store.New(userID, logger)
	mgr := conn.NewManager(dialer, connConfig(cfg), logger, nil)
	engine := intsync.NewEngine(intsync.Config{AckTimeout: cfg.AckTimeout.Duration}, mgr, st, bus.New(), logger, nil)
	engine.Start()
	defer func() {
		mgr.Disconnect()
		engine.Stop()
	}()

	changed := make(chan struct{}, 1)
	unsubscribe := st.Subscribe(func(c store.Change) {
		if c.Kind != store.MessageUpserted || c.ConversationID != conversationID {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := mgr.Connect(ctx, creds); err != nil {
		return store.Message{}, err
	}
	pending, err := engine.SendMessage(ctx, conversationID, body)
	if err != nil {
		return pending, err
	}

	for {
		if m, ok := settled(st, conversationID, pending.TempID); ok {
			if m.Status == store.StatusFailed {
				if m.Error == outbox.ErrAckTimeout.Error() {
					return m, outbox.ErrAckTimeout
				}
				return m, fmt.Errorf("message %s failed: %s", m.TempID, m.Error)
			}
			return m, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return pending, ctx.Err()
		}
	}
}

// settled finds the message sent under tempID once it left pending.
func settled(st *store.Store, conversationID, tempID string) (store.Message, bool) {
	for _, m := range st.Messages(conversationID) {
		if m.TempID == tempID && m.Status != store.StatusPending {
			return m, true
		}
	}
	return store.Message{}, false
}
