// Package auth loads the session credentials handed to the connection
// manager and keeps them current when the token file is rotated.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/matheus3301/convsync/internal/conn"
)

// ErrNoCredentials is returned when a session has neither a token nor a cookie.
var ErrNoCredentials = errors.New("auth: no token or cookie configured")

// Source says where the credentials of a session come from.
type Source struct {
	Token     string
	TokenFile string
	Cookie    string
}

// Load resolves the credentials. The token file, when set, wins over an
// inline token.
func Load(src Source) (conn.Credentials, error) {
	creds := conn.Credentials{Token: src.Token, Cookie: src.Cookie}
	if src.TokenFile != "" {
		data, err := os.ReadFile(src.TokenFile)
		if err != nil {
			return conn.Credentials{}, fmt.Errorf("read token file: %w", err)
		}
		creds.Token = strings.TrimSpace(string(data))
	}
	if creds.Token == "" && creds.Cookie == "" {
		return conn.Credentials{}, ErrNoCredentials
	}
	return creds, nil
}
