package server

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed is returned when a LOGIN carries bad credentials.
	ErrAuthFailed = errors.New("server: invalid credentials")
	// ErrAlreadyOnline is returned when a LOGIN names a user with a live session.
	ErrAlreadyOnline = errors.New("server: already logged in")
	// ErrTooManyAttempts closes a connection after repeated failed logins.
	ErrTooManyAttempts = errors.New("server: too many failed login attempts")
	// ErrIdleTimeout is the close reason when no line arrives within the idle window.
	ErrIdleTimeout = errors.New("server: idle timeout")

	// ErrSessionBound means a session already carries a different username.
	ErrSessionBound = errors.New("server: session already authenticated")

	ErrUnknownGroup  = errors.New("server: unknown group")
	ErrNotMember     = errors.New("server: sender is not a group member")
	ErrSessionClosed = errors.New("server: session closed")
)

// ConnectionFault wraps an I/O failure on one connection. It only ever
// terminates that connection.
type ConnectionFault struct {
	Op  string // "read" or "write"
	Err error
}

func (e *ConnectionFault) Error() string {
	return fmt.Sprintf("server: connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionFault) Unwrap() error { return e.Err }
