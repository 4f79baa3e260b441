package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/NicolasHaas/messenger/pkg/datastore"
	"github.com/NicolasHaas/messenger/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSQLStore(t *testing.T) *datastore.SQLStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := datastore.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})
	return st
}

func seedUsers(t *testing.T, st datastore.Directory, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := st.CreateUser(context.Background(), n, n+"-pw"); err != nil {
			t.Fatalf("CreateUser(%q): %v", n, err)
		}
	}
}

func collect(t *testing.T, st datastore.HistoryStore, username string) []model.Message {
	t.Helper()
	var out []model.Message
	for m, err := range st.FetchFor(context.Background(), username) {
		if err != nil {
			t.Fatalf("FetchFor(%q): %v", username, err)
		}
		out = append(out, m)
	}
	return out
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "again.db")
	for i := range 2 {
		st, err := datastore.Open(dbPath)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		if i == 0 {
			seedUsers(t, st, "alice")
		} else if u, err := st.GetUser(context.Background(), "alice"); err != nil || u == nil {
			t.Fatalf("GetUser after reopen = %v, %v", u, err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		username string
		wantErr  error
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {username: "johndoe"},
		"injection_username":      {username: "' OR '1'='1", wantErr: model.ErrUsernameInvalidChars},
		"empty_username":          {username: "", wantErr: model.ErrUsernameEmpty},
		"colon_username":          {username: "a:b", wantErr: model.ErrUsernameInvalidChars},
		"full_username":           {username: "244332520805424681091903292885483764915039802656", wantErr: model.ErrUsernameTooLong},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := NewTestSQLStore(t)

			got, err := store.CreateUser(context.Background(), tc.username, "pw")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("CreateUser: err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateUser: unexpected error: %v", err)
			}

			want := &model.User{Username: tc.username}
			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.User{}, "ID", "PasswordHash", "CreatedAt")); diff != "" {
				t.Errorf("CreateUser mismatch (-want +got):\n%s", diff)
			}
			if got.PasswordHash == "" || got.PasswordHash == "pw" {
				t.Errorf("CreateUser stored hash %q", got.PasswordHash)
			}
		})
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store := NewTestSQLStore(t)
	seedUsers(t, store, "alice")

	if _, err := store.CreateUser(context.Background(), "alice", "other"); !errors.Is(err, datastore.ErrUserExists) {
		t.Fatalf("duplicate CreateUser err = %v, want %v", err, datastore.ErrUserExists)
	}
}

func TestVerify(t *testing.T) {
	store := NewTestSQLStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "alice", "s3cret:with:colons"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	tests := map[string]struct {
		username, password string
		want               bool
	}{
		"correct":      {"alice", "s3cret:with:colons", true},
		"wrong":        {"alice", "s3cret", false},
		"unknown_user": {"mallory", "s3cret:with:colons", false},
		"empty":        {"", "", false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := store.Verify(ctx, tc.username, tc.password)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got != tc.want {
				t.Errorf("Verify(%q, %q) = %v, want %v", tc.username, tc.password, got, tc.want)
			}
		})
	}
}

func TestSetPassword(t *testing.T) {
	store := NewTestSQLStore(t)
	ctx := context.Background()
	seedUsers(t, store, "alice")

	if err := store.SetPassword(ctx, "alice", "new"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if ok, _ := store.Verify(ctx, "alice", "alice-pw"); ok {
		t.Error("old password still verifies")
	}
	if ok, _ := store.Verify(ctx, "alice", "new"); !ok {
		t.Error("new password does not verify")
	}
	if err := store.SetPassword(ctx, "ghost", "x"); !errors.Is(err, datastore.ErrUserUnknown) {
		t.Errorf("SetPassword(ghost) err = %v, want %v", err, datastore.ErrUserUnknown)
	}
}

func TestListUsers(t *testing.T) {
	store := NewTestSQLStore(t)
	seedUsers(t, store, "carol", "alice", "bob")

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	var names []string
	for _, u := range users {
		names = append(names, u.Username)
	}
	if diff := cmp.Diff([]string{"carol", "alice", "bob"}, names); diff != "" {
		t.Errorf("ListUsers order mismatch (-want +got):\n%s", diff)
	}
}

func TestGroups(t *testing.T) {
	store := NewTestSQLStore(t)
	ctx := context.Background()
	seedUsers(t, store, "alice", "bob", "carol")

	g, err := store.CreateGroup(ctx, "night shift", []string{"bob", "alice", "bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	want := &model.Group{Name: "night shift", Members: []string{"alice", "bob"}}
	if diff := cmp.Diff(want, g, cmpopts.IgnoreFields(model.Group{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("CreateGroup mismatch (-want +got):\n%s", diff)
	}

	members, ok, err := store.GroupMembers(ctx, "night shift")
	if err != nil || !ok {
		t.Fatalf("GroupMembers = %v, %v, %v", members, ok, err)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, members); diff != "" {
		t.Errorf("GroupMembers mismatch (-want +got):\n%s", diff)
	}

	if _, ok, err := store.GroupMembers(ctx, "nope"); ok || err != nil {
		t.Errorf("GroupMembers(nope) ok = %v, err = %v", ok, err)
	}

	if _, err := store.CreateGroup(ctx, "night shift", nil); !errors.Is(err, datastore.ErrGroupExists) {
		t.Errorf("duplicate CreateGroup err = %v, want %v", err, datastore.ErrGroupExists)
	}
	if _, err := store.CreateGroup(ctx, "ghosts", []string{"alice", "casper"}); !errors.Is(err, datastore.ErrUserUnknown) {
		t.Errorf("CreateGroup with unknown member err = %v, want %v", err, datastore.ErrUserUnknown)
	}
	if g, _ := store.GetGroup(ctx, "ghosts"); g != nil {
		t.Error("failed CreateGroup left a group behind")
	}

	if err := store.SetGroupMembers(ctx, "night shift", []string{"carol"}); err != nil {
		t.Fatalf("SetGroupMembers: %v", err)
	}
	got, err := store.GetGroup(ctx, "night shift")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if diff := cmp.Diff([]string{"carol"}, got.Members); diff != "" {
		t.Errorf("members after SetGroupMembers (-want +got):\n%s", diff)
	}

	groups, err := store.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "night shift" {
		t.Errorf("ListGroups = %+v", groups)
	}
}

func TestAppendValidates(t *testing.T) {
	store := NewTestSQLStore(t)
	bad := &model.Message{Kind: model.MessagePrivate, Sender: "alice", Recipient: "bob"}
	if err := store.Append(context.Background(), bad); !errors.Is(err, model.ErrMessageBodyEmpty) {
		t.Fatalf("Append err = %v, want %v", err, model.ErrMessageBodyEmpty)
	}
}

func TestFetchFor(t *testing.T) {
	store := NewTestSQLStore(t)
	ctx := context.Background()
	seedUsers(t, store, "alice", "bob", "carol")
	if _, err := store.CreateGroup(ctx, "team", []string{"alice", "bob"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	records := []*model.Message{
		{Kind: model.MessagePrivate, Sender: "alice", Recipient: "bob", Body: "hi bob", CreatedAt: at},
		{Kind: model.MessagePrivate, Sender: "carol", Recipient: "alice", Body: "psst", CreatedAt: at},
		{Kind: model.MessageGroup, Sender: "bob", Recipient: "team", Body: "standup: 10:00", CreatedAt: at},
		{Kind: model.MessagePrivate, Sender: "bob", Recipient: "carol", Body: "not for alice", CreatedAt: at},
		{Kind: model.MessageGroup, Sender: "carol", Recipient: "other", Body: "elsewhere", CreatedAt: at},
	}
	for _, r := range records {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if r.ID == 0 {
			t.Fatal("Append did not assign an ID")
		}
	}

	want := []model.Message{*records[0], *records[1], *records[2]}
	if diff := cmp.Diff(want, collect(t, store, "alice")); diff != "" {
		t.Errorf("FetchFor(alice) mismatch (-want +got):\n%s", diff)
	}

	want = []model.Message{*records[1], *records[3], *records[4]}
	if diff := cmp.Diff(want, collect(t, store, "carol")); diff != "" {
		t.Errorf("FetchFor(carol) mismatch (-want +got):\n%s", diff)
	}

	if got := collect(t, store, "nobody"); len(got) != 0 {
		t.Errorf("FetchFor(nobody) = %+v, want empty", got)
	}
}

func TestFetchForStopsEarly(t *testing.T) {
	store := NewTestSQLStore(t)
	ctx := context.Background()
	for i := range 5 {
		msg := &model.Message{Kind: model.MessagePrivate, Sender: "a", Recipient: "b", Body: fmt.Sprintf("m%d", i)}
		if err := store.Append(ctx, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n := 0
	for _, err := range store.FetchFor(ctx, "a") {
		if err != nil {
			t.Fatalf("FetchFor: %v", err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("consumed %d records, want 2", n)
	}

	// the abandoned iteration must have released its connection
	if err := store.Append(ctx, &model.Message{Kind: model.MessagePrivate, Sender: "a", Recipient: "b", Body: "after"}); err != nil {
		t.Fatalf("Append after early break: %v", err)
	}
}
