package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the outbox, the worker pool, the ticker,
// the relay subscription and the config watcher
func (s *Server) startBackgroundServices() {
	s.outbox.Start(s.ctx)
	s.daemon.Start()

	if s.ticker != nil {
		s.ticker.Start()
		s.logger.Infow(fmt.Sprintf("%s Maintenance ticker started", logger.SymPulse))
	}

	if s.relay != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.relay.Run(s.ctx)
		}()
	}

	s.startConfigWatcher()
}

// startConfigWatcher reloads tokens and rate limits when the config file changes
func (s *Server) startConfigWatcher() {
	path := am.ConfigPath()
	if path == "" {
		s.logger.Debugw("No config file, skipping config watcher")
		return
	}

	watcher, err := am.NewConfigWatcher(path, s.logger)
	if err != nil {
		s.logger.Warnw("Config watcher unavailable", "path", path, logger.FieldError, err)
		return
	}
	watcher.OnReload(s.applyConfig)
	watcher.Start()
	s.watcher = watcher
	s.logger.Infow("Watching config for changes", "path", path)
}

// Start runs background services and serves HTTP until Stop
func (s *Server) Start(port int) error {
	s.startBackgroundServices()

	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", actualPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow(fmt.Sprintf("HTTP server listening on port %d", actualPort),
		"node", s.nodeID,
		"workers", s.cfg.Pulse.Workers,
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop gracefully shuts down the server. Running jobs stay in processing
// and are failed as interrupted on the next start.
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		stopErr = s.stop()
	})
	return stopErr
}

func (s *Server) stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	// Stop accepting work before anything that publishes goes away
	if s.httpServer != nil {
		ctx, cancel := timeoutContext(s.ctx, 10*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
		}
		cancel()
	}

	s.logger.Infow("Stopping daemon workers")
	s.daemon.Stop()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.engine.WaitCleanups()

	// Deliver what the engine already committed, then close subscribers
	s.outbox.Close()
	if n := s.hub.CloseAll(); n > 0 {
		s.logger.Infow("Closed client connections", "count", n)
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	s.closeClients()

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete",
		"outbox_dropped", s.outbox.Dropped(),
		"outbox_failed", s.outbox.Failed(),
	)
	return nil
}
