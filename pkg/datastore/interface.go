package datastore

import (
	"context"
	"errors"
	"iter"

	"github.com/NicolasHaas/messenger/pkg/model"
)

var (
	ErrUserExists  = errors.New("datastore: user already exists")
	ErrUserUnknown = errors.New("datastore: user does not exist")
	ErrGroupExists = errors.New("datastore: group already exists")
)

// UserStore is the credential and group-membership source consulted by the
// server. The server never writes through it.
type UserStore interface {
	// Verify reports whether username exists and password matches its stored hash.
	Verify(ctx context.Context, username, password string) (bool, error)

	// GroupMembers returns the members of a group. ok is false when the group
	// does not exist.
	GroupMembers(ctx context.Context, group string) (members []string, ok bool, err error)
}

// HistoryStore is the append-only message log.
type HistoryStore interface {
	// Append persists one record. CreatedAt is kept if set, otherwise stamped.
	Append(ctx context.Context, msg *model.Message) error

	// FetchFor lazily yields every record visible to username in append order:
	// private messages it sent or received and messages of groups it belongs to.
	// Iteration stops at the first error.
	FetchFor(ctx context.Context, username string) iter.Seq2[model.Message, error]
}

// Directory is the administrative write side used for provisioning accounts
// and groups from the command line or a YAML file.
type Directory interface {
	CreateUser(ctx context.Context, username, password string) (*model.User, error)
	SetPassword(ctx context.Context, username, password string) error
	GetUser(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// CreateGroup creates the group with the given members atomically.
	CreateGroup(ctx context.Context, name string, members []string) (*model.Group, error)
	// SetGroupMembers replaces the member set of an existing group.
	SetGroupMembers(ctx context.Context, name string, members []string) error
	GetGroup(ctx context.Context, name string) (*model.Group, error)
	ListGroups(ctx context.Context) ([]model.Group, error)
}

// Store is everything a backend provides.
type Store interface {
	UserStore
	HistoryStore
	Directory
	Close() error
}

// Compile-time check: *SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
