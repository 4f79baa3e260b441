package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 2000

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")
var ErrMessageKindInvalid = errors.New("message kind must be private or group")

// MessageKind distinguishes one-to-one messages from group messages.
type MessageKind int

const (
	MessagePrivate MessageKind = iota
	MessageGroup
)

func (k MessageKind) String() string {
	switch k {
	case MessagePrivate:
		return "private"
	case MessageGroup:
		return "group"
	default:
		return "unknown"
	}
}

// ParseMessageKind converts a string to a MessageKind.
func ParseMessageKind(s string) (MessageKind, error) {
	switch s {
	case "private":
		return MessagePrivate, nil
	case "group":
		return MessageGroup, nil
	default:
		return 0, ErrMessageKindInvalid
	}
}

// Valid returns true if the kind is private or group.
func (k MessageKind) Valid() bool {
	return k == MessagePrivate || k == MessageGroup
}

// Message is a history record. Recipient holds a username for private
// messages and a group name for group messages. Records are immutable once
// appended.
type Message struct {
	ID        int64       `json:"id"`
	Kind      MessageKind `json:"kind"`
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

func (m *Message) Validate() error {
	if !m.Kind.Valid() {
		return ErrMessageKindInvalid
	}
	if err := ValidateUsername(m.Sender); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if m.Kind == MessagePrivate {
		if err := ValidateUsername(m.Recipient); err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
	} else if err := ValidateGroupName(m.Recipient); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	return ValidateBody(m.Body)
}

// ValidateBody checks the message text is non-blank and within the length limit.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}

	return nil
}
