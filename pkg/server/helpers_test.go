package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/messenger/pkg/datastore"
	"github.com/NicolasHaas/messenger/pkg/logging"
	"github.com/NicolasHaas/messenger/pkg/model"
	"github.com/NicolasHaas/messenger/pkg/protocol"
	"github.com/NicolasHaas/messenger/pkg/store"
)

type nopConn struct{}

func (c *nopConn) Read(_ []byte) (int, error)         { return 0, io.EOF }
func (c *nopConn) Write(p []byte) (int, error)        { return len(p), nil }
func (c *nopConn) Close() error                       { return nil }
func (c *nopConn) LocalAddr() net.Addr                { return &net.IPAddr{} }
func (c *nopConn) RemoteAddr() net.Addr               { return &net.IPAddr{} }
func (c *nopConn) SetDeadline(_ time.Time) error      { return nil }
func (c *nopConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *nopConn) SetWriteDeadline(_ time.Time) error { return nil }

// recordConn captures everything written to it.
type recordConn struct {
	nopConn
	mu         sync.Mutex
	buf        bytes.Buffer
	closed     bool
	failWrites bool
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return 0, errors.New("broken pipe")
	}
	return c.buf.Write(p)
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordConn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := strings.TrimSuffix(c.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// countingHistory counts Append calls on top of a real store.
type countingHistory struct {
	datastore.HistoryStore
	mu      sync.Mutex
	appends []model.Message
}

func (h *countingHistory) Append(ctx context.Context, msg *model.Message) error {
	if err := h.HistoryStore.Append(ctx, msg); err != nil {
		return err
	}
	h.mu.Lock()
	h.appends = append(h.appends, *msg)
	h.mu.Unlock()
	return nil
}

func (h *countingHistory) Appends() []model.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Message(nil), h.appends...)
}

// newSeededStore returns a memory store with users alice, bob, carol and dave
// (password "<name>-pw") and group "team" = {alice, bob, carol}.
func newSeededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		if _, err := st.CreateUser(ctx, u, u+"-pw"); err != nil {
			t.Fatalf("CreateUser(%s): %v", u, err)
		}
	}
	if _, err := st.CreateGroup(ctx, "team", []string{"alice", "bob", "carol"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return st
}

// onlineAs registers a fake-connection session under username.
func onlineAs(t *testing.T, reg *Registry, username string) (*Session, *recordConn) {
	t.Helper()
	conn := &recordConn{}
	sess := newSession(conn, 0)
	if !reg.Register(username, sess) {
		t.Fatalf("Register(%s) failed", username)
	}
	sess.authenticate(username)
	return sess, conn
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DiscoveryAddr = ""
	cfg.MetricsAddr = ""
	cfg.MetricsInterval = 0
	cfg.IdleTimeout = 5 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

type testServer struct {
	*Server
	store   *store.MemoryStore
	history *countingHistory
}

func startTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	st := newSeededStore(t)
	hist := &countingHistory{HistoryStore: st}
	srv := New(cfg, Dependencies{Users: st, History: hist, Directory: st, Logger: logging.Discard()})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return &testServer{Server: srv, store: st, history: hist}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *testServer) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect(protocol.FrameHello)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if err := protocol.WriteLine(c.conn, line); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *testClient) next() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// expectLine reads the next line and compares it verbatim.
func (c *testClient) expectLine(want string) {
	c.t.Helper()
	got, err := c.next()
	if err != nil {
		c.t.Fatalf("reading for %q: %v", want, err)
	}
	if got != want {
		c.t.Fatalf("got line %q, want %q", got, want)
	}
}

// expect reads the next frame and checks its kind.
func (c *testClient) expect(kind protocol.FrameKind) protocol.Frame {
	c.t.Helper()
	line, err := c.next()
	if err != nil {
		c.t.Fatalf("reading %s: %v", kind, err)
	}
	f, err := protocol.DecodeFrame(line)
	if err != nil {
		c.t.Fatalf("decode %q: %v", line, err)
	}
	if f.Kind != kind {
		c.t.Fatalf("got %q, want a %s frame", line, kind)
	}
	return f
}

func (c *testClient) expectEOF() {
	c.t.Helper()
	line, err := c.next()
	if err == nil {
		c.t.Fatalf("expected connection close, got %q", line)
	}
	if !errors.Is(err, io.EOF) {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatalf("expected connection close, read timed out")
		}
	}
}

func (c *testClient) login(user string) {
	c.t.Helper()
	c.send("LOGIN:" + user + ":" + user + "-pw")
	c.expectLine("LOGIN_SUCCESS:" + user)
	c.expect(protocol.FrameOnlineUsers)
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
