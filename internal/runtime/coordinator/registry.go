package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
)

// DefaultGracePeriod is the pause between cancel tiers.
const DefaultGracePeriod = 250 * time.Millisecond

type key struct {
	queue string
	host  string
}

// Registry holds one Coordinator per queue+host for a process scope.
type Registry struct {
	ctx    context.Context
	grace  time.Duration
	logger loggingpkg.ServiceLogger

	coords sync.Map
	count  atomic.Int64
}

// Option customises a Registry.
type Option func(*Registry)

// WithGracePeriod sets the pause between cancel tiers.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithLogger sets the logger handed to coordinators.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry bound to ctx. Cancelling ctx cancels every
// coordinator it holds.
func NewRegistry(ctx context.Context, opts ...Option) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &Registry{ctx: ctx, grace: DefaultGracePeriod}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = loggingpkg.NewNopServiceLogger()
	}
	r.logger = loggingpkg.Component(r.logger, "coordinator")
	return r
}

// Get returns the coordinator for queue and host, creating it on first use.
func (r *Registry) Get(queue, host string) *Coordinator {
	k := key{queue: queue, host: host}
	if existing, ok := r.coords.Load(k); ok {
		return existing.(*Coordinator)
	}
	created := newCoordinator(queue, host, r.grace, r.logger)
	stop := created.watch(r.ctx)
	actual, loaded := r.coords.LoadOrStore(k, created)
	if loaded {
		stop()
		return actual.(*Coordinator)
	}
	r.count.Add(1)
	return created
}

// Len returns the number of coordinators created so far.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range calls fn for each coordinator until fn returns false.
func (r *Registry) Range(fn func(*Coordinator) bool) {
	r.coords.Range(func(_, value any) bool {
		return fn(value.(*Coordinator))
	})
}

// Shutdown cancels every coordinator concurrently and waits for their
// chains to finish or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	r.Range(func(c *Coordinator) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
		return true
	})

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
