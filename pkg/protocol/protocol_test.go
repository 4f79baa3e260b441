package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/messenger/pkg/model"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr error
	}{
		{"login", "LOGIN:alice:secret", Login("alice", "secret"), nil},
		{"login password with colons", "LOGIN:alice:a:b:c", Login("alice", "a:b:c"), nil},
		{"login empty password", "LOGIN:alice:", Login("alice", ""), nil},
		{"login crlf", "LOGIN:alice:secret\r\n", Login("alice", "secret"), nil},
		{"private", "PRIVATE:bob:hello", Private("bob", "hello"), nil},
		{"private keeps colons", "PRIVATE:bob:time is 12:30: ok?", Private("bob", "time is 12:30: ok?"), nil},
		{"group", "GROUP:night shift:hi all", Group("night shift", "hi all"), nil},
		{"get online", "GET_ONLINE", Command{Kind: CmdGetOnline}, nil},
		{"ping", "PING", Command{Kind: CmdPing}, nil},
		{"logout", "LOGOUT", Command{Kind: CmdLogout}, nil},
		{"history", "HISTORY", Command{Kind: CmdHistory}, nil},
		{"unknown verb", "SHOUT:hi", Command{}, ErrUnknownVerb},
		{"lowercase verb", "login:alice:x", Command{}, ErrUnknownVerb},
		{"empty", "", Command{}, ErrEmptyLine},
		{"login missing password", "LOGIN:alice", Command{}, ErrFieldCount},
		{"login bare", "LOGIN", Command{}, ErrFieldCount},
		{"private missing text", "PRIVATE:bob", Command{}, ErrFieldCount},
		{"ping with payload", "PING:now", Command{}, ErrFieldCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand(tt.line)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeCommand(%q) err = %v, want %v", tt.line, err, tt.wantErr)
				}
				if !IsProtocolError(err) {
					t.Fatalf("DecodeCommand(%q) err %T is not a ProtocolError", tt.line, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeCommand(%q): unexpected error: %v", tt.line, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeCommand(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestCommandEncode(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{Login("alice", "p:w"), "LOGIN:alice:p:w"},
		{Private("bob", "a:b"), "PRIVATE:bob:a:b"},
		{Group("team", "hi"), "GROUP:team:hi"},
		{Command{Kind: CmdGetOnline}, "GET_ONLINE"},
		{Command{Kind: CmdPing}, "PING"},
		{Command{Kind: CmdLogout}, "LOGOUT"},
		{Private("bob", "two\nlines"), "PRIVATE:bob:two lines"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.cmd.Encode(); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFrameEncode(t *testing.T) {
	tests := []struct {
		frame Frame
		want  string
	}{
		{Hello("Please login"), "HELLO:Please login"},
		{LoginSuccess("alice"), "LOGIN_SUCCESS:alice"},
		{LoginFailed("invalid credentials"), "LOGIN_FAILED:invalid credentials"},
		{OnlineUsers([]string{"a", "b", "c"}), "ONLINE_USERS:a,b,c"},
		{OnlineUsers(nil), "ONLINE_USERS:"},
		{PrivateMsg("bob", "hello: world"), "PRIVATE_MSG:bob:hello: world"},
		{GroupMsg("team", "bob", "hi"), "GROUP_MSG:team:bob:hi"},
		{UserJoined("bob"), "USER_JOINED:bob"},
		{UserLeft("bob"), "USER_LEFT:bob"},
		{Pong(), "PONG"},
		{HistoryEnd(), "HISTORY_END"},
		{PrivateMsg("bob", "a\r\nb"), "PRIVATE_MSG:bob:a  b"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.frame.Encode(); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeFrameInvertsEncode(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frames := []Frame{
		Hello("welcome: login please"),
		LoginSuccess("alice"),
		LoginFailed("already logged in"),
		OnlineUsers([]string{"alice", "bob"}),
		OnlineUsers(nil),
		PrivateMsg("bob", "see you at 10:00"),
		GroupMsg("team", "bob", "a:b:c"),
		UserJoined("bob"),
		UserLeft("bob"),
		Pong(),
		HistoryMsg(model.Message{Kind: model.MessageGroup, Sender: "bob", Recipient: "team", Body: "x:y", CreatedAt: at}),
		HistoryEnd(),
	}

	for _, f := range frames {
		t.Run(f.Kind.String(), func(t *testing.T) {
			got, err := DecodeFrame(f.Encode())
			if err != nil {
				t.Fatalf("DecodeFrame(%q): %v", f.Encode(), err)
			}
			if diff := cmp.Diff(f, got); diff != "" {
				t.Errorf("DecodeFrame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		line    string
		wantErr error
	}{
		{"WHAT:x", ErrUnknownVerb},
		{"GROUP_MSG:team:bob", ErrFieldCount},
		{"PONG:x", ErrFieldCount},
		{"HISTORY_MSG:broadcast:1:a:b:c", model.ErrMessageKindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := DecodeFrame(tt.line)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DecodeFrame(%q) err = %v, want %v", tt.line, err, tt.wantErr)
			}
		})
	}
}

func TestScannerRejectsOversizedLine(t *testing.T) {
	input := strings.Repeat("x", 100) + "\nPING\n"
	sc := NewScanner(strings.NewReader(input), 32)
	if sc.Scan() {
		t.Fatalf("expected oversized line to fail, got %q", sc.Text())
	}
	if sc.Err() == nil {
		t.Fatal("expected scanner error")
	}
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteLine(&buf, Pong().Encode()); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if buf.String() != "PONG\n" {
		t.Errorf("WriteLine wrote %q", buf.String())
	}
}

func TestDiscovery(t *testing.T) {
	if !IsDiscoveryProbe([]byte(DiscoveryProbe + "\n")) {
		t.Error("probe not recognised")
	}
	if IsDiscoveryProbe([]byte("HELLO")) {
		t.Error("non-probe recognised")
	}
	addr, ok := ParseDiscoveryReply(DiscoveryReply("10.0.0.5:8080"))
	if !ok || addr != "10.0.0.5:8080" {
		t.Errorf("ParseDiscoveryReply = %q, %v", addr, ok)
	}
	if _, ok := ParseDiscoveryReply([]byte(DiscoveryReplyPrefix)); ok {
		t.Error("empty reply accepted")
	}
}
