package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/messenger/pkg/datastore"
)

// UserYAML represents a user in the directory file. Password is only read on
// import and never written on export.
type UserYAML struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password,omitempty"`
	CreatedAt string `yaml:"created_at,omitempty"`
}

// GroupYAML represents a group and its members.
type GroupYAML struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// DirectoryConfig is the top-level YAML for provisioning users and groups.
type DirectoryConfig struct {
	Users  []UserYAML  `yaml:"users,omitempty"`
	Groups []GroupYAML `yaml:"groups,omitempty"`
}

// LoadDirectoryFromYAML reads a directory file and applies it to dir.
func LoadDirectoryFromYAML(ctx context.Context, path string, dir datastore.Directory, logger *slog.Logger) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read directory file: %w", err)
	}
	return ImportDirectoryFromYAML(ctx, data, dir, logger)
}

// ImportDirectoryFromYAML creates missing users and groups. Existing users
// get their password reset when one is given; existing groups get their
// member list replaced. Users are applied before groups so groups may name
// users from the same file. Individual entries that fail are logged and
// skipped.
func ImportDirectoryFromYAML(ctx context.Context, data []byte, dir datastore.Directory, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg DirectoryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse directory file: %w", err)
	}

	users, groups := 0, 0
	for _, u := range cfg.Users {
		if err := ensureUser(ctx, dir, u); err != nil {
			logger.Error("failed to apply user from directory file", "username", u.Username, "err", err)
			continue
		}
		users++
	}
	for _, g := range cfg.Groups {
		if err := ensureGroup(ctx, dir, g); err != nil {
			logger.Error("failed to apply group from directory file", "name", g.Name, "err", err)
			continue
		}
		groups++
	}

	logger.Info("imported directory from YAML", "users", users, "groups", groups)
	return nil
}

func ensureUser(ctx context.Context, dir datastore.Directory, u UserYAML) error {
	_, err := dir.CreateUser(ctx, u.Username, u.Password)
	if errors.Is(err, datastore.ErrUserExists) {
		if u.Password == "" {
			return nil
		}
		return dir.SetPassword(ctx, u.Username, u.Password)
	}
	return err
}

func ensureGroup(ctx context.Context, dir datastore.Directory, g GroupYAML) error {
	_, err := dir.CreateGroup(ctx, g.Name, g.Members)
	if errors.Is(err, datastore.ErrGroupExists) {
		return dir.SetGroupMembers(ctx, g.Name, g.Members)
	}
	return err
}

// ExportUsersYAML exports all users as YAML, without password hashes.
func ExportUsersYAML(ctx context.Context, dir datastore.Directory) ([]byte, error) {
	users, err := dir.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := DirectoryConfig{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			Username:  u.Username,
			CreatedAt: u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}

// ExportGroupsYAML exports all groups and their members as YAML.
func ExportGroupsYAML(ctx context.Context, dir datastore.Directory) ([]byte, error) {
	groups, err := dir.ListGroups(ctx)
	if err != nil {
		return nil, err
	}

	export := DirectoryConfig{}
	for _, g := range groups {
		members := g.Members
		if members == nil {
			members = []string{}
		}
		export.Groups = append(export.Groups, GroupYAML{Name: g.Name, Members: members})
	}
	return yaml.Marshal(&export)
}
