package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NicolasHaas/messenger/pkg/model"
	"github.com/NicolasHaas/messenger/pkg/protocol"
	"github.com/NicolasHaas/messenger/pkg/version"
)

// startControl binds the client listener and starts the accept loop.
func (s *Server) startControl() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("listening for clients", "addr", ln.Addr().String())

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.fatal <- fmt.Errorf("server: accept: %w", err)
				return
			}
			// transient (e.g. out of file descriptors)
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Error("accept error", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConn(conn)
		}()
	}
}

// connHandler drives one connection through login and the command loop.
// All of its fields are touched only by its own goroutine, except the
// session, whose Send is concurrency-safe.
type connHandler struct {
	srv     *Server
	sess    *Session
	logger  *slog.Logger
	limiter *rate.Limiter

	failedLogins int
	closeOnce    sync.Once
}

func (s *Server) newConnHandler(conn net.Conn) *connHandler {
	sess := newSession(conn, s.cfg.WriteTimeout)
	h := &connHandler{
		srv:    s,
		sess:   sess,
		logger: s.logger.With("session", sess.ID(), "remote", sess.RemoteAddr()),
	}
	if s.cfg.MessageRate > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst)
	}
	return h
}

// handleConn handles a single connection lifecycle.
func (s *Server) handleConn(conn net.Conn) {
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)

	h := s.newConnHandler(conn)
	stop := context.AfterFunc(s.ctx, func() { _ = h.sess.Close() })
	defer stop()

	h.logger.Debug("new connection")
	err := h.serve(s.ctx)
	h.close(err)
}

// serve runs the read loop and returns the reason the connection ended
// (nil for EOF or LOGOUT).
func (h *connHandler) serve(ctx context.Context) error {
	if err := h.sess.Send(protocol.Hello(version.Greeting())); err != nil {
		return err
	}

	cfg := h.srv.cfg
	sc := protocol.NewScanner(h.sess.conn, cfg.MaxFrameSize)
	for {
		if cfg.IdleTimeout > 0 {
			_ = h.sess.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		if !sc.Scan() {
			return h.readErr(sc.Err())
		}
		h.sess.touch()

		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			h.srv.metrics.ProtocolErrors.Add(1)
			h.logger.Warn("malformed line ignored", "err", err)
			continue
		}
		if cmd.Kind != protocol.CmdLogout && h.limiter != nil && !h.limiter.Allow() {
			h.srv.metrics.RateLimited.Add(1)
			h.logger.Warn("command rate limited", "cmd", cmd.Kind.String())
			continue
		}

		done, err := h.dispatch(ctx, cmd)
		if err != nil || done {
			return err
		}
	}
}

func (h *connHandler) readErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		h.srv.metrics.IdleTimeouts.Add(1)
		return ErrIdleTimeout
	}
	if errors.Is(err, bufio.ErrTooLong) {
		h.srv.metrics.ProtocolErrors.Add(1)
		return &protocol.ProtocolError{Err: err}
	}
	return &ConnectionFault{Op: "read", Err: err}
}

// dispatch handles one decoded command. done reports that the connection
// should close.
func (h *connHandler) dispatch(ctx context.Context, cmd protocol.Command) (done bool, err error) {
	if !h.sess.Authenticated() {
		switch cmd.Kind {
		case protocol.CmdLogin:
			return h.login(ctx, cmd.User, cmd.Password)
		case protocol.CmdPing:
			return false, h.sess.Send(protocol.Pong())
		case protocol.CmdLogout:
			return true, nil
		default:
			h.srv.metrics.RejectedCommands.Add(1)
			h.logger.Info("command ignored before login", "cmd", cmd.Kind.String())
			return false, nil
		}
	}

	user := h.sess.Username()
	switch cmd.Kind {
	case protocol.CmdPrivate:
		if _, err := h.srv.router.Private(ctx, user, cmd.Target, cmd.Text); err != nil {
			h.logMessageErr("private message dropped", err, "to", cmd.Target)
		}
	case protocol.CmdGroup:
		if _, err := h.srv.router.Group(ctx, user, cmd.Target, cmd.Text); err != nil {
			h.logMessageErr("group message dropped", err, "group", cmd.Target)
		}
	case protocol.CmdGetOnline:
		return false, h.sess.Send(h.srv.router.OnlineUsers())
	case protocol.CmdPing:
		return false, h.sess.Send(protocol.Pong())
	case protocol.CmdHistory:
		if err := h.srv.router.History(ctx, h.sess, h.srv.cfg.HistoryLimit); err != nil {
			var fault *ConnectionFault
			if errors.As(err, &fault) || errors.Is(err, ErrSessionClosed) {
				return true, err
			}
			h.logger.Error("history failed", "err", err)
		}
	case protocol.CmdLogin:
		h.srv.metrics.RejectedCommands.Add(1)
		h.logger.Info("login ignored on authenticated session", "user", user)
	case protocol.CmdLogout:
		h.logger.Info("client logged out", "user", user)
		return true, nil
	}
	return false, nil
}

func (h *connHandler) logMessageErr(msg string, err error, args ...any) {
	args = append(args, "user", h.sess.Username(), "err", err)
	switch {
	case errors.Is(err, ErrUnknownGroup), errors.Is(err, ErrNotMember),
		errors.Is(err, model.ErrMessageBodyEmpty), errors.Is(err, model.ErrMessageBodyTooLong):
		h.logger.Info(msg, args...)
	default:
		h.logger.Error(msg, args...)
	}
}

// login verifies credentials and registers the session. Failures answer
// LOGIN_FAILED and keep the connection open until MaxLoginAttempts is hit.
func (h *connHandler) login(ctx context.Context, username, password string) (done bool, err error) {
	reason, authErr := h.authenticate(ctx, username, password)
	if authErr != nil {
		h.srv.metrics.FailedAuths.Add(1)
		h.failedLogins++
		h.logger.Info("login failed", "user", username, "err", authErr)
		if err := h.sess.Send(protocol.LoginFailed(reason)); err != nil {
			return true, err
		}
		if limit := h.srv.cfg.MaxLoginAttempts; limit > 0 && h.failedLogins >= limit {
			return true, ErrTooManyAttempts
		}
		return false, nil
	}

	h.srv.metrics.SuccessfulAuths.Add(1)
	h.logger = h.logger.With("user", username)
	h.logger.Info("client authenticated")

	if err := h.sess.Send(protocol.LoginSuccess(username), h.srv.router.OnlineUsers()); err != nil {
		return true, err
	}
	h.srv.router.Broadcast(protocol.UserJoined(username), h.sess)
	return false, nil
}

// authenticate returns the LOGIN_FAILED reason alongside the error.
func (h *connHandler) authenticate(ctx context.Context, username, password string) (string, error) {
	if err := model.ValidateUsername(username); err != nil {
		return "invalid username", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	ok, err := h.srv.users.Verify(ctx, username, password)
	if err != nil {
		return "internal error", err
	}
	if !ok {
		return "invalid credentials", ErrAuthFailed
	}
	if !h.srv.registry.Register(username, h.sess) {
		return "already logged in", ErrAlreadyOnline
	}
	if !h.sess.authenticate(username) {
		h.srv.registry.release(username, h.sess)
		return "internal error", ErrSessionBound
	}
	return "", nil
}

// close is the single cleanup path for every way a connection ends. It is
// safe to call more than once.
func (h *connHandler) close(reason error) {
	h.closeOnce.Do(func() {
		user := h.sess.Username()
		removed := user != "" && h.srv.registry.UnregisterSession(h.sess)
		_ = h.sess.Close()
		if removed {
			h.srv.router.Broadcast(protocol.UserLeft(user), h.sess)
		}

		h.srv.metrics.ActiveConnections.Add(-1)
		h.srv.metrics.TotalDisconnects.Add(1)

		switch {
		case reason == nil:
			h.logger.Info("client disconnected")
		case errors.Is(reason, ErrIdleTimeout):
			h.logger.Info("client timed out", "idle", h.srv.cfg.IdleTimeout)
		case errors.Is(reason, net.ErrClosed), errors.Is(reason, ErrSessionClosed):
			h.logger.Debug("connection closed", "err", reason)
		default:
			h.logger.Warn("connection ended", "err", reason)
		}
	})
}
