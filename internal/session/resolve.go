package session

import (
	"os"

	"github.com/matheus3301/convsync/internal/config"
)

const (
	DefaultSessionName = "main"
	// SessionEnv names the session when no flag is given.
	SessionEnv = "CONVSYNC_SESSION"
)

// Resolve picks the session name: the --session flag, then $CONVSYNC_SESSION,
// then default_session from config.toml, then "main". The result is validated.
func Resolve(flagOverride string) (string, error) {
	name := flagOverride
	if name == "" {
		name = os.Getenv(SessionEnv)
	}
	if name == "" {
		if cfg, err := config.Load(ConfigPath()); err == nil {
			name = cfg.DefaultSession
		}
	}
	if name == "" {
		name = DefaultSessionName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
