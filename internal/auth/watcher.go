package auth

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/matheus3301/convsync/internal/conn"
	"go.uber.org/zap"
)

// TokenWatcher reloads the credentials whenever the token file changes and
// reports new ones to onChange.
type TokenWatcher struct {
	src      Source
	target   string
	onChange func(conn.Credentials)
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	last     conn.Credentials
	done     chan struct{}
}

// WatchToken starts watching src.TokenFile. The parent directory is watched
// so that files replaced by rename are picked up too. initial is the set of
// credentials already in use; reloads that produce the same values are
// ignored.
func WatchToken(src Source, initial conn.Credentials, onChange func(conn.Credentials), logger *zap.Logger) (*TokenWatcher, error) {
	if src.TokenFile == "" {
		return nil, errors.New("auth: no token file to watch")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	target := filepath.Clean(src.TokenFile)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	w := &TokenWatcher{
		src:      src,
		target:   target,
		onChange: onChange,
		logger:   logger,
		watcher:  fsw,
		last:     initial,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops watching and waits for the event loop to exit.
func (w *TokenWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *TokenWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("token watcher error", zap.Error(err))
		}
	}
}

func (w *TokenWatcher) reload() {
	creds, err := Load(w.src)
	if err != nil {
		// Editors truncate before writing; the next event carries the token.
		w.logger.Debug("token file not loadable yet", zap.Error(err))
		return
	}
	if creds == w.last {
		return
	}
	if claims, err := ParseToken(creds.Token); err == nil {
		if err := claims.CheckExpiry(time.Now()); err != nil {
			w.logger.Warn("ignoring rotated token", zap.Error(err))
			return
		}
	}
	w.last = creds
	w.logger.Info("session token rotated", zap.String("file", w.target))
	if w.onChange != nil {
		w.onChange(creds)
	}
}
