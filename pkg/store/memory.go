// Package store holds in-process backends for the messenger datastore
// interfaces.
package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/NicolasHaas/messenger/pkg/crypto"
	"github.com/NicolasHaas/messenger/pkg/datastore"
	"github.com/NicolasHaas/messenger/pkg/model"
)

// MemoryStore provides an in-memory datastore.Store for tests and for running
// a throwaway server without a database file.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextGroupID   int64
	nextMessageID int64

	usersByUsername map[string]*model.User
	groupsByName    map[string]*model.Group
	messages        []model.Message
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		nextGroupID:     1,
		nextMessageID:   1,
		usersByUsername: make(map[string]*model.User),
		groupsByName:    make(map[string]*model.Group),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser creates a new user and returns it with the assigned ID.
func (s *MemoryStore) CreateUser(_ context.Context, username, password string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	hash, err := crypto.EncodePassword(password)
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("store: create user %q: %w", username, datastore.ErrUserExists)
	}
	user := &model.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC().Truncate(time.Second),
	}
	s.nextUserID++
	s.usersByUsername[username] = user
	copyUser := *user
	return &copyUser, nil
}

// SetPassword replaces the stored hash of an existing user.
func (s *MemoryStore) SetPassword(_ context.Context, username, password string) error {
	hash, err := crypto.EncodePassword(password)
	if err != nil {
		return fmt.Errorf("store: set password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return fmt.Errorf("store: set password %q: %w", username, datastore.ErrUserUnknown)
	}
	user.PasswordHash = hash
	return nil
}

// GetUser retrieves a user by username. Returns (nil, nil) if not found.
func (s *MemoryStore) GetUser(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// ListUsers returns all users ordered by ID.
func (s *MemoryStore) ListUsers(context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, *user)
	}
	slices.SortFunc(users, func(a, b model.User) int { return cmp.Compare(a.ID, b.ID) })
	return users, nil
}

// Verify reports whether the password matches the stored hash.
func (s *MemoryStore) Verify(ctx context.Context, username, password string) (bool, error) {
	user, _ := s.GetUser(ctx, username)
	if user == nil {
		return false, nil
	}
	ok, err := crypto.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("store: verify %q: %w", username, err)
	}
	return ok, nil
}

// CreateGroup creates a group. Every member must be an existing user.
func (s *MemoryStore) CreateGroup(_ context.Context, name string, members []string) (*model.Group, error) {
	if err := model.ValidateGroupName(name); err != nil {
		return nil, fmt.Errorf("store: create group: %w", err)
	}
	members = normalizeMembers(members)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groupsByName[name]; exists {
		return nil, fmt.Errorf("store: create group %q: %w", name, datastore.ErrGroupExists)
	}
	if err := s.checkMembersLocked(members); err != nil {
		return nil, err
	}
	group := &model.Group{
		ID:        s.nextGroupID,
		Name:      name,
		Members:   members,
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	s.nextGroupID++
	s.groupsByName[name] = group
	return copyGroup(group), nil
}

// SetGroupMembers replaces the member set of an existing group.
func (s *MemoryStore) SetGroupMembers(_ context.Context, name string, members []string) error {
	members = normalizeMembers(members)
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groupsByName[name]
	if !ok {
		return fmt.Errorf("store: set members: group %q not found", name)
	}
	if err := s.checkMembersLocked(members); err != nil {
		return err
	}
	group.Members = members
	return nil
}

func (s *MemoryStore) checkMembersLocked(members []string) error {
	for _, m := range members {
		if _, ok := s.usersByUsername[m]; !ok {
			return fmt.Errorf("store: group member %q: %w", m, datastore.ErrUserUnknown)
		}
	}
	return nil
}

// GroupMembers returns the sorted members of a group; ok is false if it does not exist.
func (s *MemoryStore) GroupMembers(_ context.Context, name string) ([]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groupsByName[name]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(group.Members), true, nil
}

// GetGroup retrieves a group by name. Returns (nil, nil) if not found.
func (s *MemoryStore) GetGroup(_ context.Context, name string) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groupsByName[name]
	if !ok {
		return nil, nil
	}
	return copyGroup(group), nil
}

// ListGroups returns all groups ordered by ID.
func (s *MemoryStore) ListGroups(context.Context) ([]model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]model.Group, 0, len(s.groupsByName))
	for _, g := range s.groupsByName {
		groups = append(groups, *copyGroup(g))
	}
	slices.SortFunc(groups, func(a, b model.Group) int { return cmp.Compare(a.ID, b.ID) })
	return groups, nil
}

func copyGroup(g *model.Group) *model.Group {
	c := *g
	c.Members = slices.Clone(g.Members)
	return &c
}

func normalizeMembers(members []string) []string {
	out := slices.Clone(members)
	slices.Sort(out)
	return slices.Compact(out)
}

// Append stores a history record and fills in its ID.
func (s *MemoryStore) Append(_ context.Context, msg *model.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Second)
	msg.ID = s.nextMessageID
	s.nextMessageID++
	s.messages = append(s.messages, *msg)
	return nil
}

// FetchFor yields the records visible to username in append order. The
// visible set is captured when iteration starts.
func (s *MemoryStore) FetchFor(_ context.Context, username string) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		s.mu.RLock()
		var visible []model.Message
		for _, m := range s.messages {
			if s.visibleLocked(m, username) {
				visible = append(visible, m)
			}
		}
		s.mu.RUnlock()

		for _, m := range visible {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) visibleLocked(m model.Message, username string) bool {
	if m.Sender == username {
		return true
	}
	switch m.Kind {
	case model.MessagePrivate:
		return m.Recipient == username
	case model.MessageGroup:
		g, ok := s.groupsByName[m.Recipient]
		return ok && g.HasMember(username)
	}
	return false
}

// Compile-time check: *MemoryStore implements datastore.Store.
var _ datastore.Store = (*MemoryStore)(nil)
