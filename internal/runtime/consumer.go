package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/dqueue/internal/runtime/codec"
	"github.com/drblury/dqueue/internal/runtime/dispatch"
	errspkg "github.com/drblury/dqueue/internal/runtime/errors"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
	"github.com/drblury/dqueue/internal/runtime/wait"
	"github.com/drblury/dqueue/provider"
)

// ConsumerOptions configure a Consumer. Zero values fall back to the
// service configuration.
type ConsumerOptions struct {
	// Name identifies the consumer in logs, health checks and the web API.
	// Defaults to the queue name.
	Name string
	// Threads is the worker pool size. Defaults to Config.DefaultThreads.
	Threads int
	// Timeout bounds the dispatch of one message. Defaults to
	// Config.DefaultTimeout; a negative value disables it.
	Timeout time.Duration
	// Hooks are merged after the built-in logging hooks.
	Hooks ConsumerHooks
}

// ConsumerStats is the introspection view of a consumer.
type ConsumerStats struct {
	Name         string   `json:"name"`
	Queue        string   `json:"queue"`
	Threads      int      `json:"threads"`
	WorkersAlive int      `json:"workers_alive"`
	Handlers     []string `json:"handlers"`
	Completed    int64    `json:"completed"`
	Failed       int64    `json:"failed"`
	TimedOut     int64    `json:"timed_out"`
	Withdrawn    int64    `json:"withdrawn"`
	Undecodable  int64    `json:"undecodable"`
	Restarts     int64    `json:"restarts"`
	Disposed     bool     `json:"disposed"`
}

// Consumer owns a pool of workers that dequeue from one queue and fan each
// message out to the registered handlers.
type Consumer struct {
	svc     *Service
	name    string
	queue   string
	threads int
	timeout time.Duration
	hooks   ConsumerHooks
	logger  loggingpkg.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers []dispatch.Handler
	workers  []*worker
	started  bool
	disposed bool

	completed   atomic.Int64
	failed      atomic.Int64
	timedOut    atomic.Int64
	withdrawn   atomic.Int64
	undecodable atomic.Int64
	restarts    atomic.Int64
}

type worker struct {
	id    int
	alive atomic.Bool
}

// NewConsumer creates a consumer for queue and registers it with the health
// monitor. Workers start with the first Receive call.
func (s *Service) NewConsumer(queue string, opts ConsumerOptions) (*Consumer, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, errspkg.NewValidationError("queue", errspkg.ErrQueueRequired)
	}
	threads := opts.Threads
	if threads == 0 {
		threads = s.Conf.DefaultThreads
	}
	if threads <= 0 {
		return nil, errspkg.NewValidationError("threads", errspkg.ErrInvalidThreads)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.Conf.DefaultTimeout
	}
	if timeout < 0 {
		timeout = 0
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = queue
	}

	logger := loggingpkg.Component(s.Logger, "consumer").With(loggingpkg.LogFields{"consumer": name, "queue": queue})
	ctx, cancel := context.WithCancel(s.ctx)
	c := &Consumer{
		svc:     s,
		name:    name,
		queue:   queue,
		threads: threads,
		timeout: timeout,
		hooks:   LoggingHooks(logger).Merge(opts.Hooks),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.addConsumer(c); err != nil {
		cancel()
		return nil, err
	}
	logger.Info("Consumer created", loggingpkg.LogFields{"threads": threads, "timeout": timeout.String()})
	return c, nil
}

// Name returns the consumer name.
func (c *Consumer) Name() string { return c.name }

// Queue returns the queue the consumer listens on.
func (c *Consumer) Queue() string { return c.queue }

// Receive appends a handler. Handlers run in registration order for every
// message. The first call starts the worker pool.
func (c *Consumer) Receive(name string, fn dispatch.HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errspkg.NewValidationError("name", errspkg.ErrHandlerNameRequired)
	}
	if fn == nil {
		return errspkg.NewValidationError("handler", errspkg.ErrHandlerRequired)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errspkg.ErrConsumerDisposed
	}
	c.handlers = append(c.handlers, dispatch.Handler{Name: name, Fn: fn})
	c.logger.Debug("Handler registered", loggingpkg.LogFields{"handler": name})

	if !c.started {
		c.started = true
		c.workers = make([]*worker, c.threads)
		for i := range c.workers {
			c.workers[i] = &worker{id: i}
			c.spawnLocked(c.workers[i])
		}
		c.logger.Info("Consumer started", loggingpkg.LogFields{"threads": c.threads})
	}
	return nil
}

// ReceiveJSON registers a handler that receives the payload decoded into T.
// Proto messages are decoded with protojson.
func ReceiveJSON[T any](c *Consumer, name string, fn func(dc *dispatch.Context, msg *T) error) error {
	if fn == nil {
		return errspkg.NewValidationError("handler", errspkg.ErrHandlerRequired)
	}
	return c.Receive(name, func(dc *dispatch.Context) error {
		msg := new(T)
		if err := dc.Decode(msg); err != nil {
			return err
		}
		return fn(dc, msg)
	})
}

func (c *Consumer) snapshotHandlers() []dispatch.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]dispatch.Handler(nil), c.handlers...)
}

// spawnLocked starts w. The caller holds c.mu.
func (c *Consumer) spawnLocked(w *worker) {
	w.alive.Store(true)
	c.svc.metrics.workerStarted(c.queue)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Worker panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{"worker": w.id})
			}
			w.alive.Store(false)
			c.svc.metrics.workerStopped(c.queue)
		}()
		c.run(w)
	}()
}

// run keeps the worker's dequeue loop alive until the consumer scope ends.
// Provider build failures and loop errors are logged and retried with
// backoff.
func (c *Consumer) run(w *worker) {
	fields := loggingpkg.LogFields{"worker": w.id}
	retry := provider.RetryPolicyFromConfig(c.svc.Conf).NewBackOff()
	c.logger.Debug("Worker started", fields)
	for c.ctx.Err() == nil {
		err := c.dequeueOnce(fields)
		if err == nil || c.ctx.Err() != nil {
			break
		}
		c.logger.Error("Worker loop failed, retrying", err, fields)
		if wait.Sleep(c.ctx, retry.NextBackOff()) != nil {
			break
		}
	}
	c.logger.Debug("Worker finished", fields)
}

// dequeueOnce builds a provider and runs its dequeue loop. A nil error means
// the loop ended on its own.
func (c *Consumer) dequeueOnce(fields loggingpkg.LogFields) error {
	p, err := c.svc.newProvider(c.ctx)
	if err != nil {
		return fmt.Errorf("dqueue: build provider: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			c.logger.Error("Worker failed to close provider", err, fields)
		}
	}()
	return p.Dequeue(c.ctx, c.queue, c.receive)
}

// receive decodes and dispatches one popped message.
func (c *Consumer) receive(ctx context.Context, payload []byte) provider.State {
	env, err := codec.Decode(payload)
	if err != nil {
		// An envelope that cannot be decoded never will be; acknowledge it so
		// it does not cycle through recovery forever.
		c.undecodable.Add(1)
		c.logger.Error("Dropping undecodable message", err, loggingpkg.LogFields{"bytes": len(payload)})
		return provider.StateSuccess
	}

	dc := dispatch.New(ctx, env, c.timeout, c.hooks.dispatchHooks())
	defer dc.Close()

	result := dispatch.Dispatch(dc, c.snapshotHandlers())
	c.svc.metrics.RecordDispatch(c.queue, result)

	switch result.Resolution {
	case dispatch.Complete:
		c.completed.Add(1)
		if result.Failed() {
			c.failed.Add(1)
		}
		return provider.StateSuccess
	case dispatch.Timeout:
		c.timedOut.Add(1)
		return provider.StateTimeout
	default:
		c.withdrawn.Add(1)
		return provider.StateWithdraw
	}
}

// IsAlive reports whether the consumer is not disposed and every worker is
// running.
func (c *Consumer) IsAlive(_ context.Context) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disposed {
		return false, nil
	}
	for _, w := range c.workers {
		if !w.alive.Load() {
			return false, nil
		}
	}
	return true, nil
}

// Rescue respawns every worker that has stopped.
func (c *Consumer) Rescue(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errspkg.ErrConsumerDisposed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	respawned := 0
	for _, w := range c.workers {
		if w.alive.Load() {
			continue
		}
		c.spawnLocked(w)
		c.restarts.Add(1)
		c.svc.metrics.workerRestarted(c.queue)
		respawned++
	}
	if respawned > 0 {
		c.logger.Info("Workers respawned", loggingpkg.LogFields{"respawned": respawned})
	}
	return nil
}

// Dispose cancels the consumer scope, waits for the workers to finish their
// current message and unregisters the consumer. Messages withdrawn by the
// shutdown stay in the processing store for recovery. Safe to call more
// than once.
func (c *Consumer) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.handlers = nil
	c.workers = nil
	c.mu.Unlock()

	c.svc.removeConsumer(c)
	c.logger.Info("Consumer disposed", nil)
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ConsumerStats{
		Name:        c.name,
		Queue:       c.queue,
		Threads:     c.threads,
		Handlers:    make([]string, 0, len(c.handlers)),
		Completed:   c.completed.Load(),
		Failed:      c.failed.Load(),
		TimedOut:    c.timedOut.Load(),
		Withdrawn:   c.withdrawn.Load(),
		Undecodable: c.undecodable.Load(),
		Restarts:    c.restarts.Load(),
		Disposed:    c.disposed,
	}
	for _, h := range c.handlers {
		stats.Handlers = append(stats.Handlers, h.Name)
	}
	for _, w := range c.workers {
		if w.alive.Load() {
			stats.WorkersAlive++
		}
	}
	return stats
}
