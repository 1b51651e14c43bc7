package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager stops the HTTP server first, then runs the registered
// functions in registration order under one deadline
type ShutdownManager struct {
	logger  logrus.FieldLogger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	funcs []namedShutdown
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger logrus.FieldLogger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// Register adds a named function to run during shutdown
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, namedShutdown{name: name, fn: fn})
}

// Wait blocks until ctx is done, then shuts everything down
func (sm *ShutdownManager) Wait(ctx context.Context) error {
	<-ctx.Done()
	sm.logger.Info("Shutdown requested, draining")
	return sm.Shutdown()
}

// Shutdown stops the server and runs every registered function. Later
// functions still run when an earlier one fails.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	sm.mu.Lock()
	funcs := append([]namedShutdown(nil), sm.funcs...)
	sm.mu.Unlock()

	for _, f := range funcs {
		if err := f.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("component", f.name).Error("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		sm.logger.WithField("component", f.name).Debug("Shutdown step complete")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
