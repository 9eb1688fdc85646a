package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/auth"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/conn"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session passed to the fx module.
type Params struct {
	SessionName string
	// Config, Logger and SessionDir override the files under ~/.convsync;
	// tests set them, the CLI leaves them empty.
	Config     *config.Session
	Logger     *zap.Logger
	SessionDir string
}

func (p Params) sessionDir() string {
	if p.SessionDir != "" {
		return p.SessionDir
	}
	return session.Dir(p.SessionName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideBus,
			provideRegistry,
			provideMetrics,
			provideCredentials,
			provideStore,
			provideManager,
			provideEngine,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Session, error) {
	if p.Config != nil {
		if err := p.Config.Validate(); err != nil {
			return nil, err
		}
		return p.Config, nil
	}
	return config.LoadSession(session.SessionConfigPath(p.SessionName))
}

func provideLogger(p Params, cfg *config.Session) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(p.sessionDir())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry, b *bus.Bus) (*metrics.Metrics, error) {
	m := metrics.New(reg)
	if err := metrics.RegisterDrops(reg, b); err != nil {
		return nil, fmt.Errorf("register bus drops: %w", err)
	}
	return m, nil
}

func authSource(cfg *config.Session) auth.Source {
	return auth.Source{Token: cfg.Token, TokenFile: cfg.TokenFile, Cookie: cfg.Cookie}
}

func provideCredentials(cfg *config.Session) (conn.Credentials, error) {
	return auth.Load(authSource(cfg))
}

// localUserID returns the configured user id, falling back to the subject of
// a JWT session token. An expired token is an error.
func localUserID(cfg *config.Session, creds conn.Credentials, logger *zap.Logger) (string, error) {
	claims, err := auth.ParseToken(creds.Token)
	if err != nil {
		if creds.Token != "" {
			logger.Debug("session token is not a JWT", zap.Error(err))
		}
		return cfg.UserID, nil
	}
	if err := claims.CheckExpiry(time.Now()); err != nil {
		return "", err
	}
	if cfg.UserID != "" {
		return cfg.UserID, nil
	}
	return claims.Subject, nil
}

func provideStore(cfg *config.Session, creds conn.Credentials, logger *zap.Logger) (*store.Store, error) {
	userID, err := localUserID(cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		logger.Warn("no user_id configured; own messages will count as unread")
	}
	return store.New(userID, logger.Named("store")), nil
}

func connConfig(cfg *config.Session) conn.Config {
	return conn.Config{
		DialTimeout:     cfg.DialTimeout.Duration,
		WriteTimeout:    cfg.WriteTimeout.Duration,
		ReconnectBase:   cfg.ReconnectBase.Duration,
		ReconnectMax:    cfg.ReconnectMax.Duration,
		ReconnectJitter: cfg.ReconnectJitter,
	}
}

func provideManager(cfg *config.Session, logger *zap.Logger, m *metrics.Metrics) *conn.Manager {
	return conn.NewManager(&conn.WebSocketDialer{URL: cfg.URL}, connConfig(cfg), logger.Named("conn"), m)
}

func provideEngine(cfg *config.Session, mgr *conn.Manager, st *store.Store, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *intsync.Engine {
	return intsync.NewEngine(intsync.Config{AckTimeout: cfg.AckTimeout.Duration}, mgr, st, b, logger.Named("sync"), m)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Session, creds conn.Credentials, srv *Server, lk *lock.Lock, mgr *conn.Manager, engine *intsync.Engine, logger *zap.Logger) {
	// Hooks stop in reverse order, and only those that started are stopped,
	// so a failed connect still releases the lock and the listener.
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Stop,
	})

	lc.Append(fx.StartStopHook(engine.Start, engine.Stop))

	var watcher *auth.TokenWatcher
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := mgr.Connect(ctx, creds); err != nil {
				return fmt.Errorf("connect %s: %w", cfg.URL, err)
			}
			if cfg.TokenFile == "" {
				return nil
			}
			w, err := auth.WatchToken(authSource(cfg), creds, func(c conn.Credentials) {
				if err := mgr.Connect(context.Background(), c); err != nil {
					logger.Error("reconnect with rotated token failed", zap.Error(err))
				}
			}, logger.Named("auth"))
			if err != nil {
				logger.Warn("token file not watched", zap.Error(err))
				return nil
			}
			watcher = w
			return nil
		},
		OnStop: func(context.Context) error {
			var err error
			if watcher != nil {
				err = watcher.Close()
			}
			mgr.Disconnect()
			return err
		},
	})
}
