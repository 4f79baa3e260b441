package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/NicolasHaas/messenger/pkg/datastore"
	"github.com/NicolasHaas/messenger/pkg/logging"
	"github.com/NicolasHaas/messenger/pkg/server"
	"github.com/NicolasHaas/messenger/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address for clients")
	flag.StringVar(&cfg.DiscoveryAddr, "discovery", cfg.DiscoveryAddr, "UDP bind address for LAN discovery (empty to disable)")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Host or host:port announced to discovery probes (auto if empty)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.DirectoryFile, "directory", "", "YAML file with users and groups to create on startup")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close connections that send nothing for this long")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for writing a single frame")
	flag.IntVar(&cfg.MaxLoginAttempts, "max-login-attempts", cfg.MaxLoginAttempts, "Failed logins before disconnect (0 = unlimited)")
	flag.Float64Var(&cfg.MessageRate, "rate", cfg.MessageRate, "Commands per second per connection (0 = unlimited)")
	flag.IntVar(&cfg.MessageBurst, "burst", cfg.MessageBurst, "Command burst per connection")
	flag.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "Records returned by HISTORY (0 = all)")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.ExportGroups, "export-groups", false, "Export all groups as YAML and exit")

	addUser := flag.String("add-user", "", "Create user:password and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	logger, err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	if err := run(cfg, st, logger, *addUser); err != nil {
		slog.Error("server error", "err", err)
		_ = st.Close()
		os.Exit(1)
	}
}

func run(cfg server.Config, st *datastore.SQLStore, logger *slog.Logger, addUser string) error {
	ctx := context.Background()

	// One-shot admin commands (run and exit)
	if addUser != "" {
		username, password, ok := strings.Cut(addUser, ":")
		if !ok || username == "" {
			return fmt.Errorf("-add-user expects user:password")
		}
		if _, err := st.CreateUser(ctx, username, password); err != nil {
			return err
		}
		logger.Info("user created", "username", username)
		return nil
	}
	if cfg.ExportUsers || cfg.ExportGroups {
		if cfg.ExportUsers {
			data, err := server.ExportUsersYAML(ctx, st)
			if err != nil {
				return fmt.Errorf("export users: %w", err)
			}
			fmt.Print(string(data))
		}
		if cfg.ExportGroups {
			data, err := server.ExportGroupsYAML(ctx, st)
			if err != nil {
				return fmt.Errorf("export groups: %w", err)
			}
			fmt.Print(string(data))
		}
		return nil
	}

	logger.Info("starting messenger server", "version", version.Full(), "db", cfg.DBPath)
	srv := server.New(cfg, server.Dependencies{
		Users:     st,
		History:   st,
		Directory: st,
		Logger:    logger,
	})
	return srv.Run()
}

