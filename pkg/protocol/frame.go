package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/NicolasHaas/messenger/pkg/model"
)

// FrameKind enumerates the server-to-client verbs.
type FrameKind int

const (
	FrameHello FrameKind = iota + 1
	FrameLoginSuccess
	FrameLoginFailed
	FrameOnlineUsers
	FramePrivateMsg
	FrameGroupMsg
	FrameUserJoined
	FrameUserLeft
	FramePong
	FrameHistoryMsg
	FrameHistoryEnd
)

const (
	VerbHello        = "HELLO"
	VerbLoginSuccess = "LOGIN_SUCCESS"
	VerbLoginFailed  = "LOGIN_FAILED"
	VerbOnlineUsers  = "ONLINE_USERS"
	VerbPrivateMsg   = "PRIVATE_MSG"
	VerbGroupMsg     = "GROUP_MSG"
	VerbUserJoined   = "USER_JOINED"
	VerbUserLeft     = "USER_LEFT"
	VerbPong         = "PONG"
	VerbHistoryMsg   = "HISTORY_MSG"
	VerbHistoryEnd   = "HISTORY_END"
)

var frameVerbs = map[string]FrameKind{
	VerbHello:        FrameHello,
	VerbLoginSuccess: FrameLoginSuccess,
	VerbLoginFailed:  FrameLoginFailed,
	VerbOnlineUsers:  FrameOnlineUsers,
	VerbPrivateMsg:   FramePrivateMsg,
	VerbGroupMsg:     FrameGroupMsg,
	VerbUserJoined:   FrameUserJoined,
	VerbUserLeft:     FrameUserLeft,
	VerbPong:         FramePong,
	VerbHistoryMsg:   FrameHistoryMsg,
	VerbHistoryEnd:   FrameHistoryEnd,
}

var frameArity = map[string]int{
	VerbHello:        1,
	VerbLoginSuccess: 1,
	VerbLoginFailed:  1,
	VerbOnlineUsers:  1,
	VerbPrivateMsg:   2, // from, text
	VerbGroupMsg:     3, // group, from, text
	VerbUserJoined:   1,
	VerbUserLeft:     1,
	VerbPong:         0,
	VerbHistoryMsg:   5, // kind, unix time, from, to, text
	VerbHistoryEnd:   0,
}

func (k FrameKind) String() string {
	for verb, kind := range frameVerbs {
		if kind == k {
			return verb
		}
	}
	return "UNKNOWN"
}

// Frame is a server-to-client message.
//
//	HELLO, LOGIN_FAILED          Text
//	LOGIN_SUCCESS, USER_*        User
//	ONLINE_USERS                 Users
//	PRIVATE_MSG                  User (sender), Text
//	GROUP_MSG                    Group, User (sender), Text
//	HISTORY_MSG                  Record
type Frame struct {
	Kind   FrameKind
	User   string
	Group  string
	Users  []string
	Text   string
	Record *model.Message
}

// Encode renders the frame as a wire line without the trailing newline.
func (f Frame) Encode() string {
	switch f.Kind {
	case FrameHello:
		return join(VerbHello, f.Text)
	case FrameLoginSuccess:
		return join(VerbLoginSuccess, f.User)
	case FrameLoginFailed:
		return join(VerbLoginFailed, f.Text)
	case FrameOnlineUsers:
		return join(VerbOnlineUsers, strings.Join(f.Users, ListSeparator))
	case FramePrivateMsg:
		return join(VerbPrivateMsg, f.User, f.Text)
	case FrameGroupMsg:
		return join(VerbGroupMsg, f.Group, f.User, f.Text)
	case FrameUserJoined:
		return join(VerbUserJoined, f.User)
	case FrameUserLeft:
		return join(VerbUserLeft, f.User)
	case FrameHistoryMsg:
		r := f.Record
		if r == nil {
			r = &model.Message{}
		}
		return join(VerbHistoryMsg,
			r.Kind.String(),
			strconv.FormatInt(r.CreatedAt.Unix(), 10),
			r.Sender, r.Recipient, r.Body)
	default:
		return f.Kind.String()
	}
}

// DecodeFrame parses one server line. Malformed input yields a *ProtocolError.
func DecodeFrame(line string) (Frame, error) {
	verb, fields, err := split(line, frameArity)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Kind: frameVerbs[verb]}
	switch f.Kind {
	case FrameHello, FrameLoginFailed:
		f.Text = fields[0]
	case FrameLoginSuccess, FrameUserJoined, FrameUserLeft:
		f.User = fields[0]
	case FrameOnlineUsers:
		if fields[0] != "" {
			f.Users = strings.Split(fields[0], ListSeparator)
		}
	case FramePrivateMsg:
		f.User, f.Text = fields[0], fields[1]
	case FrameGroupMsg:
		f.Group, f.User, f.Text = fields[0], fields[1], fields[2]
	case FrameHistoryMsg:
		kind, err := model.ParseMessageKind(fields[0])
		if err != nil {
			return Frame{}, &ProtocolError{Verb: verb, Err: err}
		}
		unix, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Frame{}, &ProtocolError{Verb: verb, Err: err}
		}
		f.Record = &model.Message{
			Kind:      kind,
			CreatedAt: time.Unix(unix, 0).UTC(),
			Sender:    fields[2],
			Recipient: fields[3],
			Body:      fields[4],
		}
	}
	return f, nil
}

// Hello builds the greeting sent right after accept.
func Hello(text string) Frame { return Frame{Kind: FrameHello, Text: text} }

// LoginSuccess builds a LOGIN_SUCCESS frame.
func LoginSuccess(user string) Frame { return Frame{Kind: FrameLoginSuccess, User: user} }

// LoginFailed builds a LOGIN_FAILED frame.
func LoginFailed(reason string) Frame { return Frame{Kind: FrameLoginFailed, Text: reason} }

// OnlineUsers builds an ONLINE_USERS frame.
func OnlineUsers(users []string) Frame { return Frame{Kind: FrameOnlineUsers, Users: users} }

// PrivateMsg builds a PRIVATE_MSG frame.
func PrivateMsg(from, text string) Frame {
	return Frame{Kind: FramePrivateMsg, User: from, Text: text}
}

// GroupMsg builds a GROUP_MSG frame.
func GroupMsg(group, from, text string) Frame {
	return Frame{Kind: FrameGroupMsg, Group: group, User: from, Text: text}
}

// UserJoined builds a USER_JOINED frame.
func UserJoined(user string) Frame { return Frame{Kind: FrameUserJoined, User: user} }

// UserLeft builds a USER_LEFT frame.
func UserLeft(user string) Frame { return Frame{Kind: FrameUserLeft, User: user} }

// Pong builds a PONG frame.
func Pong() Frame { return Frame{Kind: FramePong} }

// HistoryMsg builds a HISTORY_MSG frame for one stored record.
func HistoryMsg(rec model.Message) Frame { return Frame{Kind: FrameHistoryMsg, Record: &rec} }

// HistoryEnd terminates a HISTORY reply.
func HistoryEnd() Frame { return Frame{Kind: FrameHistoryEnd} }
