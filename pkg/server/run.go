package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Start validates the configuration, imports the directory file if one is
// set, and binds every listener. It returns once the server is accepting.
// Cancelling ctx shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	if s.started {
		return errors.New("server: already started")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.users == nil || s.history == nil {
		return errors.New("server: missing store dependency")
	}
	s.started = true

	if s.cfg.DirectoryFile != "" {
		if s.directory == nil {
			return errors.New("server: directory file set but no directory store")
		}
		if err := LoadDirectoryFromYAML(s.ctx, s.cfg.DirectoryFile, s.directory, s.logger); err != nil {
			return err
		}
	}

	if err := s.startControl(); err != nil {
		return err
	}
	if err := s.startDiscovery(); err != nil {
		s.Shutdown()
		return fmt.Errorf("server: discovery: %w", err)
	}
	if err := s.startMetricsHTTP(); err != nil {
		s.Shutdown()
		return fmt.Errorf("server: metrics: %w", err)
	}
	if s.cfg.MetricsInterval > 0 {
		s.metrics.StartPeriodicLog(s.logger, s.cfg.MetricsInterval, s.ctx.Done())
	}

	context.AfterFunc(ctx, s.Shutdown)
	return nil
}

// Run starts the server and blocks until SIGINT/SIGTERM or a fatal
// listener error.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("messenger server running",
		"listen", s.Addr().String(),
		"discovery", s.cfg.DiscoveryAddr,
		"metrics", s.cfg.MetricsAddr,
	)

	var err error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down...")
	case err = <-s.fatal:
		s.logger.Error("listener failed", "err", err)
	}
	s.Shutdown()
	return err
}

// Shutdown stops accepting, closes every live connection and waits for all
// handlers to finish their cleanup. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.discovery != nil {
			_ = s.discovery.Close()
		}
		if s.metricsSrv != nil {
			_ = s.metricsSrv.Close()
		}
		s.loops.Wait()
		s.handlers.Wait()
		s.logger.Info("server stopped", "connections_served", s.metrics.TotalConnections.Load())
	})
}
