package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/messenger/pkg/protocol"
)

// Session is one client connection. Its handler owns it; other handlers only
// call Send through the Registry.
type Session struct {
	id           string
	conn         net.Conn
	remote       string
	writeTimeout time.Duration

	wmu sync.Mutex // serializes frame writes

	mu       sync.RWMutex
	username string

	lastActivity atomic.Int64 // unix nanos
	closed       atomic.Bool
	closeOnce    sync.Once
}

func newSession(conn net.Conn, writeTimeout time.Duration) *Session {
	s := &Session{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remote = addr.String()
	}
	s.touch()
	return s
}

// ID is a random identifier used to correlate log lines.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address as seen at accept time.
func (s *Session) RemoteAddr() string { return s.remote }

// Username returns the authenticated name, or "" before login.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Authenticated reports whether a login has succeeded on this session.
func (s *Session) Authenticated() bool {
	return s.Username() != ""
}

// authenticate binds username to the session. It fails if one is already bound.
func (s *Session) authenticate(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username != "" || username == "" {
		return false
	}
	s.username = username
	return true
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity is the time the last line was read from the client.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Alive reports whether the session has not been closed yet.
func (s *Session) Alive() bool {
	return !s.closed.Load()
}

// Send writes frames back to back; no other writer can interleave between
// them. It is safe for concurrent callers. A failed write closes the session
// so its own handler runs cleanup.
func (s *Session) Send(frames ...protocol.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	for _, f := range frames {
		if err := protocol.WriteLine(s.conn, f.Encode()); err != nil {
			_ = s.Close()
			return &ConnectionFault{Op: "write", Err: err}
		}
	}
	return nil
}

// Close closes the underlying connection once. Later calls return nil.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}
