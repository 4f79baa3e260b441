// Package server implements the messenger server: the TCP listener, one
// handler per connection, the presence registry and the message router.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NicolasHaas/messenger/pkg/datastore"
	"github.com/NicolasHaas/messenger/pkg/protocol"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string // TCP bind address for clients (e.g. ":8080")
	DiscoveryAddr string // UDP bind address for discovery probes (empty = disabled)
	AdvertiseAddr string // host or host:port returned to discovery probes (empty = auto)
	DBPath        string // SQLite database path
	DirectoryFile string // YAML users/groups imported on start
	MetricsAddr   string // HTTP bind address for /metrics endpoint (empty = disabled)

	IdleTimeout      time.Duration // close connections silent for this long
	WriteTimeout     time.Duration // bound on a single frame write
	MaxLoginAttempts int           // failed logins before disconnect (0 = unlimited)
	MessageRate      float64       // sustained commands per second per connection (0 = unlimited)
	MessageBurst     int
	MaxFrameSize     int // longest accepted line in bytes
	HistoryLimit     int // records returned by HISTORY (0 = all)
	MetricsInterval  time.Duration

	// CLI-only actions (run and exit)
	ExportUsers  bool
	ExportGroups bool
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":8080",
		DiscoveryAddr:    ":8888",
		MetricsAddr:      ":9602",
		DBPath:           "messenger.db",
		IdleTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxLoginAttempts: 3,
		MessageRate:      20,
		MessageBurst:     40,
		MaxFrameSize:     protocol.MaxFrameSize,
		HistoryLimit:     100,
		MetricsInterval:  60 * time.Second,
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("server: listen address is required")
	case c.IdleTimeout <= 0:
		return fmt.Errorf("server: idle timeout must be positive, got %s", c.IdleTimeout)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("server: write timeout must be positive, got %s", c.WriteTimeout)
	case c.MaxFrameSize <= 0:
		return fmt.Errorf("server: max frame size must be positive, got %d", c.MaxFrameSize)
	case c.MaxLoginAttempts < 0:
		return fmt.Errorf("server: max login attempts must not be negative, got %d", c.MaxLoginAttempts)
	case c.MessageRate < 0:
		return fmt.Errorf("server: message rate must not be negative, got %v", c.MessageRate)
	case c.MessageRate > 0 && c.MessageBurst <= 0:
		return fmt.Errorf("server: message burst must be positive when rate limiting, got %d", c.MessageBurst)
	case c.HistoryLimit < 0:
		return fmt.Errorf("server: history limit must not be negative, got %d", c.HistoryLimit)
	}
	return nil
}

// Dependencies holds external dependencies for the server.
// Directory is optional and only used to import Config.DirectoryFile.
// The caller keeps ownership of the stores and closes them after Shutdown.
type Dependencies struct {
	Users     datastore.UserStore
	History   datastore.HistoryStore
	Directory datastore.Directory
	Logger    *slog.Logger
}

// Server is the main messenger server.
type Server struct {
	cfg       Config
	registry  *Registry
	router    *Router
	metrics   *Metrics
	users     datastore.UserStore
	history   datastore.HistoryStore
	directory datastore.Directory
	logger    *slog.Logger

	listener   net.Listener
	discovery  net.PacketConn
	metricsSrv *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup // connection handlers
	loops    sync.WaitGroup // accept and discovery loops
	fatal    chan error     // accept loop failure
	started  bool
	stopOnce sync.Once
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	metrics := NewMetrics()
	return &Server{
		cfg:       cfg,
		registry:  reg,
		router:    NewRouter(reg, deps.Users, deps.History, metrics, logger),
		metrics:   metrics,
		users:     deps.Users,
		history:   deps.History,
		directory: deps.Directory,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		fatal:     make(chan error, 1),
	}
}

// Registry returns the presence registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router returns the message router.
func (s *Server) Router() *Router {
	return s.router
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the bound client address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// DiscoveryAddr returns the bound discovery address, or nil if disabled.
func (s *Server) DiscoveryAddr() net.Addr {
	if s.discovery == nil {
		return nil
	}
	return s.discovery.LocalAddr()
}
