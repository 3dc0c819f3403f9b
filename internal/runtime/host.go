package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/dqueue/internal/runtime/errors"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
)

// DefaultStopTimeout bounds Host.Run's call to Stop.
const DefaultStopTimeout = 30 * time.Second

// Lifecycle is a service a Host can run.
type Lifecycle interface {
	Start(ctx context.Context, args []string) error
	Stop(ctx context.Context) error
}

// LifecycleFuncs adapts plain functions to Lifecycle. Nil functions are no-ops.
type LifecycleFuncs struct {
	StartFunc func(ctx context.Context, args []string) error
	StopFunc  func(ctx context.Context) error
}

func (l LifecycleFuncs) Start(ctx context.Context, args []string) error {
	if l.StartFunc == nil {
		return nil
	}
	return l.StartFunc(ctx, args)
}

func (l LifecycleFuncs) Stop(ctx context.Context) error {
	if l.StopFunc == nil {
		return nil
	}
	return l.StopFunc(ctx)
}

// AsLifecycle adapts the service to a Host. Arguments are ignored.
func (s *Service) AsLifecycle() Lifecycle {
	return LifecycleFuncs{
		StartFunc: func(ctx context.Context, _ []string) error { return s.Start(ctx) },
		StopFunc:  s.Stop,
	}
}

type hostEntry struct {
	name    string
	svc     Lifecycle
	started bool
	stopped bool
}

// Host starts and stops a set of services in registration order.
type Host struct {
	mu      sync.Mutex
	entries []*hostEntry
	logger  loggingpkg.ServiceLogger
}

// NewHost creates an empty host. A nil logger drops every entry.
func NewHost(log loggingpkg.ServiceLogger) *Host {
	return &Host{logger: loggingpkg.Component(log, "host")}
}

// Register adds svc under name.
func (h *Host) Register(name string, svc Lifecycle) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errspkg.NewValidationError("name", errspkg.ErrServiceRequired)
	}
	if svc == nil {
		return errspkg.NewValidationError(name, errspkg.ErrServiceRequired)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, &hostEntry{name: name, svc: svc})
	return nil
}

// Start calls Start once on each registered service in order and returns
// the first failure. Services after the failing one are not started.
func (h *Host) Start(ctx context.Context, args []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, e := range h.entries {
		if e.started {
			continue
		}
		e.started = true
		h.logger.Info("Starting service", loggingpkg.LogFields{"service": e.name})
		if err := e.svc.Start(ctx, args); err != nil {
			h.logger.Error("Service failed to start", err, loggingpkg.LogFields{"service": e.name})
			return fmt.Errorf("dqueue: start %s: %w", e.name, err)
		}
	}
	return nil
}

// Stop calls Stop once on every registered service in order, including
// those that never started, and joins the errors.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, e := range h.entries {
		if e.stopped {
			continue
		}
		e.stopped = true
		h.logger.Info("Stopping service", loggingpkg.LogFields{"service": e.name})
		if err := e.svc.Stop(ctx); err != nil {
			h.logger.Error("Service failed to stop", err, loggingpkg.LogFields{"service": e.name})
			errs = append(errs, fmt.Errorf("dqueue: stop %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Run starts every service, waits for ctx to end and stops them within
// DefaultStopTimeout. A start failure stops the host immediately.
func (h *Host) Run(ctx context.Context, args []string) error {
	startErr := h.Start(ctx, args)
	if startErr == nil {
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStopTimeout)
	defer cancel()
	return errors.Join(startErr, h.Stop(stopCtx))
}
