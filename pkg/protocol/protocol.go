// Package protocol defines the line-based wire format spoken between
// messenger clients and the server.
//
// Every frame is one newline-terminated UTF-8 line of colon-separated fields.
// The verb comes first and the free-text field, when present, comes last and
// is never split, so message text may itself contain colons.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxFrameSize is the maximum length of a single line (64KB).
	MaxFrameSize = 65536

	// Separator splits the fields of a frame.
	Separator = ":"

	// ListSeparator joins usernames inside ONLINE_USERS.
	ListSeparator = ","
)

var (
	ErrUnknownVerb = errors.New("unknown verb")
	ErrFieldCount  = errors.New("wrong field count")
	ErrEmptyLine   = errors.New("empty line")
)

// ProtocolError reports a line that could not be decoded. The connection that
// produced it stays usable; callers log it and move on.
type ProtocolError struct {
	Verb string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Verb == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Verb, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// NewScanner returns a line scanner over r that rejects lines longer than maxSize.
func NewScanner(r io.Reader, maxSize int) *bufio.Scanner {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxSize)
	return sc
}

// WriteLine writes s followed by a newline in a single Write call.
func WriteLine(w io.Writer, s string) error {
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write line: %w", err)
	}
	return nil
}

// split breaks a line into its verb and the number of fields arity declares.
// The last field keeps any further separators verbatim.
func split(line string, arity map[string]int) (string, []string, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", nil, &ProtocolError{Err: ErrEmptyLine}
	}
	verb, rest, hasRest := strings.Cut(line, Separator)
	want, ok := arity[verb]
	if !ok {
		return verb, nil, &ProtocolError{Verb: verb, Err: ErrUnknownVerb}
	}
	if want == 0 {
		if hasRest {
			return verb, nil, &ProtocolError{Verb: verb, Err: ErrFieldCount}
		}
		return verb, nil, nil
	}
	if !hasRest {
		return verb, nil, &ProtocolError{Verb: verb, Err: ErrFieldCount}
	}
	fields := strings.SplitN(rest, Separator, want)
	if len(fields) != want {
		return verb, nil, &ProtocolError{Verb: verb, Err: ErrFieldCount}
	}
	return verb, fields, nil
}

// join encodes a verb and its fields, flattening line breaks inside fields so
// a value can never terminate the frame early.
func join(verb string, fields ...string) string {
	if len(fields) == 0 {
		return verb
	}
	var b strings.Builder
	b.WriteString(verb)
	for _, f := range fields {
		b.WriteString(Separator)
		b.WriteString(flatten(f))
	}
	return b.String()
}

func flatten(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}
