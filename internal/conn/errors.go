package conn

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when there is no live connection,
// including while a reconnect is in progress.
var ErrNotConnected = errors.New("conn: not connected")

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("conn: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
