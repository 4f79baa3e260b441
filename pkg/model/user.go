// Package model defines the core domain types for the messenger.
package model

import (
	"errors"
	"fmt"
	"time"
)

const MaxUsernameLength = 32

const MaxGroupNameLength = 64

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")

var ErrGroupNameEmpty = errors.New("group name must not be empty")
var ErrGroupNameTooLong = fmt.Errorf("group name must not exceed %d characters", MaxGroupNameLength)
var ErrGroupNameInvalidChars = errors.New("group name must not contain ':', ',' or control characters")

// User represents a registered account. PasswordHash is never serialized.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Group is a named set of usernames that share group messages.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether username belongs to the group.
func (g *Group) HasMember(username string) bool {
	for _, m := range g.Members {
		if m == username {
			return true
		}
	}
	return false
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidateGroupName allows spaces and unicode but rejects the wire separators.
func ValidateGroupName(name string) error {
	if len(name) == 0 {
		return ErrGroupNameEmpty
	}
	if len(name) > MaxGroupNameLength {
		return ErrGroupNameTooLong
	}
	for _, r := range name {
		if r == ':' || r == ',' || r < 0x20 || r == 0x7f {
			return ErrGroupNameInvalidChars
		}
	}
	return nil
}
