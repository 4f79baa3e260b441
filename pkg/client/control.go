// Package client implements the messenger client networking.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/messenger/pkg/protocol"
)

// FrameHandler is a callback for frames received after login.
type FrameHandler func(f protocol.Frame)

// LoginError carries the reason from a LOGIN_FAILED frame.
type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string {
	return "login failed: " + e.Reason
}

// Client manages the line-based connection to a messenger server.
type Client struct {
	conn     net.Conn
	scanner  *bufio.Scanner
	mu       sync.Mutex // serializes writes
	handler  FrameHandler
	logger   *slog.Logger
	greeting string
	pending  []protocol.Frame // frames from other users seen during Login
	done     chan struct{}
}

// Dial connects to addr and reads the server greeting.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}

	c := &Client{
		conn:    conn,
		scanner: protocol.NewScanner(conn, protocol.MaxFrameSize),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	f, err := c.readFrame()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: read greeting: %w", err)
	}
	if f.Kind != protocol.FrameHello {
		_ = conn.Close()
		return nil, fmt.Errorf("client: unexpected greeting %s", f.Kind)
	}
	c.greeting = f.Text
	return c, nil
}

// Greeting returns the text of the server's HELLO frame.
func (c *Client) Greeting() string {
	return c.greeting
}

// SetLogger replaces the default logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// SetFrameHandler sets the callback for incoming frames.
// Must be called before StartReceiving.
func (c *Client) SetFrameHandler(handler FrameHandler) {
	c.handler = handler
}

// Send writes one command.
func (c *Client) Send(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteLine(c.conn, cmd.Encode())
}

// Login authenticates and returns the users online at that moment.
// A rejected login returns a *LoginError and leaves the connection usable.
// Messages and presence frames that arrive while logging in are kept and
// handed to the frame handler once StartReceiving runs.
func (c *Client) Login(username, password string) ([]string, error) {
	if err := c.Send(protocol.Login(username, password)); err != nil {
		return nil, fmt.Errorf("client: send login: %w", err)
	}

	accepted := false
	for {
		f, err := c.readFrame()
		if err != nil {
			if protocol.IsProtocolError(err) {
				c.logger.Warn("malformed frame skipped", "err", err)
				continue
			}
			return nil, fmt.Errorf("client: read login response: %w", err)
		}
		switch f.Kind {
		case protocol.FrameLoginFailed:
			if !accepted {
				return nil, &LoginError{Reason: f.Text}
			}
		case protocol.FrameLoginSuccess:
			accepted = true
		case protocol.FrameOnlineUsers:
			if accepted {
				return f.Users, nil
			}
			c.pending = append(c.pending, f)
		case protocol.FramePong:
			// answer to a PING sent before login
		default:
			c.pending = append(c.pending, f)
		}
	}
}

// SendPrivate sends text to a single user.
func (c *Client) SendPrivate(to, text string) error {
	return c.Send(protocol.Private(to, text))
}

// SendGroup sends text to a group.
func (c *Client) SendGroup(group, text string) error {
	return c.Send(protocol.Group(group, text))
}

// Logout asks the server to end the session.
func (c *Client) Logout() error {
	return c.Send(protocol.Command{Kind: protocol.CmdLogout})
}

// StartReceiving starts a goroutine that reads incoming frames and dispatches
// them to the frame handler. Malformed lines are logged and skipped.
func (c *Client) StartReceiving() {
	pending := c.pending
	c.pending = nil
	go func() {
		defer close(c.done)
		if c.handler != nil {
			for _, f := range pending {
				c.handler(f)
			}
		}
		for {
			f, err := c.readFrame()
			if err != nil {
				if protocol.IsProtocolError(err) {
					c.logger.Warn("malformed frame skipped", "err", err)
					continue
				}
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					c.logger.Debug("connection closed")
					return
				}
				c.logger.Error("read error", "err", err)
				return
			}
			if c.handler != nil {
				c.handler(f)
			}
		}
	}()
}

// KeepAlive sends PING every interval until ctx ends or the connection drops,
// keeping the session clear of the server's idle timeout.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.Send(protocol.Command{Kind: protocol.CmdPing}); err != nil {
					return
				}
			}
		}
	}()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readFrame() (protocol.Frame, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{}, io.EOF
	}
	return protocol.DecodeFrame(c.scanner.Text())
}
