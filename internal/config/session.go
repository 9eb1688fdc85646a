package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Session is one profile's session.toml.
type Session struct {
	URL       string `toml:"url"`
	UserID    string `toml:"user_id"`
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
	Cookie    string `toml:"cookie"`

	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`

	AckTimeout      Duration `toml:"ack_timeout"`
	DialTimeout     Duration `toml:"dial_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ReconnectBase   Duration `toml:"reconnect_base"`
	ReconnectMax    Duration `toml:"reconnect_max"`
	ReconnectJitter float64  `toml:"reconnect_jitter"`
}

// DefaultSession returns a profile with every optional value filled in.
func DefaultSession() Session {
	return Session{
		LogLevel:        "info",
		MetricsAddr:     "127.0.0.1:9464",
		AckTimeout:      Duration{10 * time.Second},
		DialTimeout:     Duration{10 * time.Second},
		WriteTimeout:    Duration{5 * time.Second},
		ReconnectBase:   Duration{time.Second},
		ReconnectMax:    Duration{30 * time.Second},
		ReconnectJitter: 0.2,
	}
}

// LoadSession reads a session.toml over the defaults. Keys absent from the
// file keep their default value.
func LoadSession(path string) (*Session, error) {
	cfg := DefaultSession()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// SaveSession writes a session.toml, creating parent dirs as needed.
func SaveSession(path string, cfg *Session) error {
	return writeTOML(path, cfg)
}

// Validate checks the profile for values the daemon cannot run with.
func (s *Session) Validate() error {
	var errs []error
	if s.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if u, err := url.Parse(s.URL); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("url: unsupported scheme %q", u.Scheme))
	}
	if _, err := zapcore.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	for _, d := range []struct {
		key string
		v   Duration
	}{
		{"ack_timeout", s.AckTimeout},
		{"dial_timeout", s.DialTimeout},
		{"write_timeout", s.WriteTimeout},
		{"reconnect_base", s.ReconnectBase},
		{"reconnect_max", s.ReconnectMax},
	} {
		if d.v.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.v))
		}
	}
	if s.ReconnectMax.Duration < s.ReconnectBase.Duration {
		errs = append(errs, errors.New("reconnect_max must not be below reconnect_base"))
	}
	if s.ReconnectJitter < 0 || s.ReconnectJitter >= 1 {
		errs = append(errs, fmt.Errorf("reconnect_jitter must be in [0, 1), got %g", s.ReconnectJitter))
	}
	return errors.Join(errs...)
}
