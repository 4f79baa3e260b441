// Package datastore provides the persistence collaborators of the messenger
// server: credential verification, group membership, and message history.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/messenger/pkg/crypto"
	"github.com/NicolasHaas/messenger/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// DB is the query surface shared by *sql.DB and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is the SQLite-backed Store.
type SQLStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (s *SQLStore) withTx(ctx context.Context, fn func(q DB) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash TEXT    NOT NULL,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS chat_groups (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL UNIQUE CHECK(length(name) > 0 AND length(name) <= 64),
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		username TEXT    NOT NULL,
		PRIMARY KEY (group_id, username)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       INTEGER NOT NULL CHECK(kind >= 0 AND kind <= 1),
		sender     TEXT    NOT NULL,
		recipient  TEXT    NOT NULL,
		body       TEXT    NOT NULL,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender)",
				"CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient)",
				"CREATE INDEX IF NOT EXISTS idx_group_members_username ON group_members(username)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Users ----

// CreateUser registers a new account with an Argon2id password hash.
func (s *SQLStore) CreateUser(ctx context.Context, username, password string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	hash, err := crypto.EncodePassword(password)
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}

	var user *model.User
	err = s.withTx(ctx, func(q DB) error {
		existing, err := getUser(ctx, q, username)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("datastore: create user %q: %w", username, ErrUserExists)
		}
		now := time.Now().UTC().Truncate(time.Second)
		res, err := q.ExecContext(ctx,
			"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
			username, hash, formatDBTime(now))
		if err != nil {
			return fmt.Errorf("datastore: create user: %w", err)
		}
		id, _ := res.LastInsertId()
		user = &model.User{ID: id, Username: username, PasswordHash: hash, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SetPassword replaces the stored hash of an existing user.
func (s *SQLStore) SetPassword(ctx context.Context, username, password string) error {
	hash, err := crypto.EncodePassword(password)
	if err != nil {
		return fmt.Errorf("datastore: set password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE users SET password_hash = ? WHERE username = ?", hash, username)
	if err != nil {
		return fmt.Errorf("datastore: set password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: set password %q: %w", username, ErrUserUnknown)
	}
	return nil
}

// GetUser retrieves a user by username. Returns (nil, nil) if not found.
func (s *SQLStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	return getUser(ctx, s.db, username)
}

func getUser(ctx context.Context, q DB, username string) (*model.User, error) {
	u := &model.User{}
	var createdAt string
	err := q.QueryRowContext(ctx, "SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.CreatedAt = parsed
	return u, nil
}

// ListUsers returns all users ordered by ID.
func (s *SQLStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, username, password_hash, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.CreatedAt = parsed
		users = append(users, u)
	}
	return users, rows.Err()
}

// Verify checks a username/password pair. Unknown users verify as false.
func (s *SQLStore) Verify(ctx context.Context, username, password string) (bool, error) {
	u, err := s.GetUser(ctx, username)
	if err != nil {
		return false, err
	}
	if u == nil {
		return false, nil
	}
	ok, err := crypto.VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("datastore: verify %q: %w", username, err)
	}
	return ok, nil
}

// ---- Groups ----

// CreateGroup creates a group and its member rows in one transaction.
// Every member must be an existing user.
func (s *SQLStore) CreateGroup(ctx context.Context, name string, members []string) (*model.Group, error) {
	if err := model.ValidateGroupName(name); err != nil {
		return nil, fmt.Errorf("datastore: create group: %w", err)
	}
	members = normalizeMembers(members)

	var group *model.Group
	err := s.withTx(ctx, func(q DB) error {
		id, err := groupID(ctx, q, name)
		if err != nil {
			return err
		}
		if id != 0 {
			return fmt.Errorf("datastore: create group %q: %w", name, ErrGroupExists)
		}
		now := time.Now().UTC().Truncate(time.Second)
		res, err := q.ExecContext(ctx, "INSERT INTO chat_groups (name, created_at) VALUES (?, ?)", name, formatDBTime(now))
		if err != nil {
			return fmt.Errorf("datastore: create group: %w", err)
		}
		id, _ = res.LastInsertId()
		if err := insertMembers(ctx, q, id, members); err != nil {
			return err
		}
		group = &model.Group{ID: id, Name: name, Members: members, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// SetGroupMembers replaces the member set of an existing group.
func (s *SQLStore) SetGroupMembers(ctx context.Context, name string, members []string) error {
	members = normalizeMembers(members)
	return s.withTx(ctx, func(q DB) error {
		id, err := groupID(ctx, q, name)
		if err != nil {
			return err
		}
		if id == 0 {
			return fmt.Errorf("datastore: set members: group %q not found", name)
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ?", id); err != nil {
			return fmt.Errorf("datastore: set members: %w", err)
		}
		return insertMembers(ctx, q, id, members)
	})
}

func insertMembers(ctx context.Context, q DB, groupID int64, members []string) error {
	for _, m := range members {
		u, err := getUser(ctx, q, m)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("datastore: group member %q: %w", m, ErrUserUnknown)
		}
		if _, err := q.ExecContext(ctx, "INSERT INTO group_members (group_id, username) VALUES (?, ?)", groupID, m); err != nil {
			return fmt.Errorf("datastore: add member: %w", err)
		}
	}
	return nil
}

func groupID(ctx context.Context, q DB, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, "SELECT id FROM chat_groups WHERE name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("datastore: get group: %w", err)
	}
	return id, nil
}

func groupMembers(ctx context.Context, q DB, id int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT username FROM group_members WHERE group_id = ? ORDER BY username", id)
	if err != nil {
		return nil, fmt.Errorf("datastore: list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("datastore: scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GroupMembers implements UserStore.
func (s *SQLStore) GroupMembers(ctx context.Context, group string) ([]string, bool, error) {
	id, err := groupID(ctx, s.db, group)
	if err != nil {
		return nil, false, err
	}
	if id == 0 {
		return nil, false, nil
	}
	members, err := groupMembers(ctx, s.db, id)
	if err != nil {
		return nil, false, err
	}
	return members, true, nil
}

// GetGroup retrieves a group by name. Returns (nil, nil) if not found.
func (s *SQLStore) GetGroup(ctx context.Context, name string) (*model.Group, error) {
	g := &model.Group{}
	var createdAt string
	err := s.db.QueryRowContext(ctx, "SELECT id, name, created_at FROM chat_groups WHERE name = ?", name).
		Scan(&g.ID, &g.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get group: %w", err)
	}
	if g.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("datastore: get group: %w", err)
	}
	if g.Members, err = groupMembers(ctx, s.db, g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// ListGroups returns all groups with their members, ordered by ID.
func (s *SQLStore) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at FROM chat_groups ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list groups: %w", err)
	}
	var groups []model.Group
	for rows.Next() {
		var g model.Group
		var createdAt string
		if err := rows.Scan(&g.ID, &g.Name, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		if g.CreatedAt, err = parseDBTime(createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("datastore: scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("datastore: list groups: %w", err)
	}
	_ = rows.Close()

	for i := range groups {
		if groups[i].Members, err = groupMembers(ctx, s.db, groups[i].ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// normalizeMembers sorts and de-duplicates a member list.
func normalizeMembers(members []string) []string {
	out := slices.Clone(members)
	slices.Sort(out)
	return slices.Compact(out)
}

// ---- Messages ----

// Append stores a history record and fills in its ID.
func (s *SQLStore) Append(ctx context.Context, msg *model.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Second)

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (kind, sender, recipient, body, created_at) VALUES (?, ?, ?, ?, ?)",
		int(msg.Kind), msg.Sender, msg.Recipient, msg.Body, formatDBTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: append message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

// FetchFor implements HistoryStore. The query runs when iteration starts and
// rows are scanned one at a time as the caller pulls them.
func (s *SQLStore) FetchFor(ctx context.Context, username string) iter.Seq2[model.Message, error] {
	const query = `
		SELECT id, kind, sender, recipient, body, created_at
		FROM messages
		WHERE (kind = 0 AND (sender = ? OR recipient = ?))
		OR (kind = 1 AND (sender = ? OR recipient IN (
			SELECT g.name FROM chat_groups g
			JOIN group_members m ON m.group_id = g.id
			WHERE m.username = ?)))
		ORDER BY id
	`
	return func(yield func(model.Message, error) bool) {
		rows, err := s.db.QueryContext(ctx, query, username, username, username, username)
		if err != nil {
			yield(model.Message{}, fmt.Errorf("datastore: fetch history: %w", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var m model.Message
			var kind int
			var createdAt string
			if err := rows.Scan(&m.ID, &kind, &m.Sender, &m.Recipient, &m.Body, &createdAt); err != nil {
				yield(model.Message{}, fmt.Errorf("datastore: scan message: %w", err))
				return
			}
			m.Kind = model.MessageKind(kind)
			if m.CreatedAt, err = parseDBTime(createdAt); err != nil {
				yield(model.Message{}, fmt.Errorf("datastore: scan message: %w", err))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Message{}, fmt.Errorf("datastore: fetch history: %w", err))
		}
	}
}
