package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSessionClosed      = errors.New("session: session is closed")
	ErrNoSession          = errors.New("session: no session started")
	ErrUnknownMessage     = errors.New("session: unknown clientId")
	ErrNotRevoked         = errors.New("session: message is not revoked")
	ErrNoResumeCredential = errors.New("session: no fresh resume credential")
	ErrHistoryNotReady    = errors.New("session: history sync not ready")
)

// AuthError is terminal for the current connect attempt: the transport spent
// its bounded retry budget without logging in. The wrapped error carries the
// transport's attempt count.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session: login failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError is recoverable: the triggering message stays in the store in
// Failed state for explicit resend.
type TransportError struct {
	Op       string
	ClientID string
	Err      error
}

func (e *TransportError) Error() string {
	if e.ClientID != "" {
		return fmt.Sprintf("session: %s failed for %s: %v", e.Op, e.ClientID, e.Err)
	}
	return fmt.Sprintf("session: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
