package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/NicolasHaas/messenger/pkg/datastore"
	"github.com/NicolasHaas/messenger/pkg/model"
	"github.com/NicolasHaas/messenger/pkg/protocol"
)

// Router applies the delivery policy for private, group and presence frames.
// It holds no state of its own beyond its collaborators.
type Router struct {
	registry *Registry
	users    datastore.UserStore
	history  datastore.HistoryStore
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter wires a Router. A nil logger means slog.Default().
func NewRouter(reg *Registry, users datastore.UserStore, history datastore.HistoryStore, metrics *Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Router{
		registry: reg,
		users:    users,
		history:  history,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Private delivers text from one user to another if the recipient is online,
// and records it in history either way. delivered is false when the
// recipient was offline or its write failed.
func (rt *Router) Private(ctx context.Context, from, to, text string) (delivered bool, err error) {
	text = sanitizeText(text)
	if err := model.ValidateBody(text); err != nil {
		rt.metrics.DroppedMessages.Add(1)
		return false, err
	}
	if err := model.ValidateUsername(to); err != nil {
		rt.metrics.DroppedMessages.Add(1)
		return false, fmt.Errorf("recipient: %w", err)
	}
	rt.metrics.PrivateMessages.Add(1)

	if sess, ok := rt.registry.Lookup(to); ok {
		if err := sess.Send(protocol.PrivateMsg(from, text)); err != nil {
			rt.logger.Debug("private delivery failed", "from", from, "to", to, "err", err)
		} else {
			rt.metrics.Deliveries.Add(1)
			delivered = true
		}
	} else {
		rt.metrics.OfflineMisses.Add(1)
	}

	rec := &model.Message{
		Kind:      model.MessagePrivate,
		Sender:    from,
		Recipient: to,
		Body:      text,
		CreatedAt: rt.now(),
	}
	if err := rt.history.Append(ctx, rec); err != nil {
		return delivered, fmt.Errorf("server: record private message: %w", err)
	}
	return delivered, nil
}

// Group fans text out to every online member of group except the sender and
// records one history entry. Unknown groups and non-member senders are
// rejected without any delivery or history.
func (rt *Router) Group(ctx context.Context, from, group, text string) (delivered int, err error) {
	text = sanitizeText(text)
	if err := model.ValidateBody(text); err != nil {
		rt.metrics.DroppedMessages.Add(1)
		return 0, err
	}

	members, ok, err := rt.users.GroupMembers(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("server: resolve group %q: %w", group, err)
	}
	if !ok {
		rt.metrics.DroppedMessages.Add(1)
		return 0, ErrUnknownGroup
	}
	isMember := false
	for _, m := range members {
		if m == from {
			isMember = true
			break
		}
	}
	if !isMember {
		rt.metrics.DroppedMessages.Add(1)
		return 0, ErrNotMember
	}
	rt.metrics.GroupMessages.Add(1)

	frame := protocol.GroupMsg(group, from, text)
	for _, m := range members {
		if m == from {
			continue
		}
		sess, ok := rt.registry.Lookup(m)
		if !ok {
			continue
		}
		if err := sess.Send(frame); err != nil {
			rt.logger.Debug("group delivery failed", "group", group, "to", m, "err", err)
			continue
		}
		rt.metrics.Deliveries.Add(1)
		delivered++
	}

	rec := &model.Message{
		Kind:      model.MessageGroup,
		Sender:    from,
		Recipient: group,
		Body:      text,
		CreatedAt: rt.now(),
	}
	if err := rt.history.Append(ctx, rec); err != nil {
		return delivered, fmt.Errorf("server: record group message: %w", err)
	}
	return delivered, nil
}

// Broadcast sends f to every registered session except skip. A failed write
// never stops the loop; the failing session is closed by Send and its own
// handler cleans it up.
func (rt *Router) Broadcast(f protocol.Frame, skip *Session) int {
	sent := 0
	for _, sess := range rt.registry.Sessions() {
		if sess == skip {
			continue
		}
		if err := sess.Send(f); err != nil {
			rt.metrics.BroadcastFailures.Add(1)
			rt.logger.Warn("broadcast write failed", "frame", f.Kind.String(), "session", sess.ID(), "user", sess.Username(), "err", err)
			continue
		}
		sent++
	}
	return sent
}

// OnlineUsers builds the ONLINE_USERS frame from the current registry.
func (rt *Router) OnlineUsers() protocol.Frame {
	return protocol.OnlineUsers(rt.registry.Snapshot())
}

// History streams the most recent limit records visible to the session's
// user as HISTORY_MSG frames, oldest first, followed by HISTORY_END.
// limit <= 0 sends everything.
func (rt *Router) History(ctx context.Context, sess *Session, limit int) error {
	rt.metrics.HistoryRequests.Add(1)

	var recent []model.Message
	for rec, err := range rt.history.FetchFor(ctx, sess.Username()) {
		if err != nil {
			return fmt.Errorf("server: fetch history: %w", err)
		}
		recent = append(recent, rec)
		if limit > 0 && len(recent) > limit {
			recent = recent[1:]
		}
	}

	for _, rec := range recent {
		if err := sess.Send(protocol.HistoryMsg(rec)); err != nil {
			return err
		}
	}
	return sess.Send(protocol.HistoryEnd())
}

// sanitizeText strips control characters from user-supplied text so it
// cannot break framing or inject terminal escapes. Newlines become spaces
// and tabs are kept.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if r != '\t' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
