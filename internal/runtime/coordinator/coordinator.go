// Package coordinator serializes the workers that share a queue on one host.
//
// A Coordinator owns the dequeue and processing locks for its key, the
// exactly-once initialization guard, the crash-recovery fallback and the
// tiered chain of cancel actions run on shutdown. Coordinators live in a
// Registry whose lifetime is the owning process scope.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
)

// FallbackTier is the tier reserved for the recovery fallback. It always
// runs last.
const FallbackTier = math.MaxInt

// ErrReservedTier is returned when a cancel action targets FallbackTier.
var ErrReservedTier = errors.New("dqueue: cancel tier is reserved for the recovery fallback")

// Coordinator is the per queue+host singleton.
type Coordinator struct {
	queue  string
	host   string
	grace  time.Duration
	logger loggingpkg.ServiceLogger

	initOnce     sync.Once
	dequeueMu    sync.RWMutex
	processingMu sync.RWMutex

	mu         sync.Mutex
	tiers      map[int][]func()
	fallback   func()
	cancelling bool
	active     int
	withdrawn  bool

	attachments sync.Map

	cancelOnce sync.Once
	done       chan struct{}
}

func newCoordinator(queue, host string, grace time.Duration, logger loggingpkg.ServiceLogger) *Coordinator {
	return &Coordinator{
		queue:  queue,
		host:   host,
		grace:  grace,
		logger: logger.With(loggingpkg.LogFields{"queue": queue, "host": host}),
		tiers:  make(map[int][]func()),
		done:   make(chan struct{}),
	}
}

// Queue returns the queue name of the key.
func (c *Coordinator) Queue() string { return c.queue }

// Host returns the host id of the key.
func (c *Coordinator) Host() string { return c.host }

// Done is closed once the cancel chain has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// DequeueLock guards pops from the main store. Workers hold the read side
// while popping; the fallback holds the write side.
func (c *Coordinator) DequeueLock() *sync.RWMutex { return &c.dequeueMu }

// ProcessingLock guards the processing store in the same way.
func (c *Coordinator) ProcessingLock() *sync.RWMutex { return &c.processingMu }

// RunOnce executes action for the first caller only. Concurrent callers
// block until it has returned.
func (c *Coordinator) RunOnce(action func()) {
	c.initOnce.Do(func() {
		c.safeRun("init", action)
	})
}

// RegisterCancel adds action to tier, or replaces the tier's actions when
// exclusive is set. Actions registered after cancellation started run
// immediately.
func (c *Coordinator) RegisterCancel(tier int, exclusive bool, action func()) error {
	if tier == FallbackTier {
		return ErrReservedTier
	}
	if action == nil {
		return nil
	}
	c.mu.Lock()
	if c.cancelling {
		c.mu.Unlock()
		c.safeRun(fmt.Sprintf("cancel tier %d", tier), action)
		return nil
	}
	if exclusive {
		c.tiers[tier] = []func(){action}
	} else {
		c.tiers[tier] = append(c.tiers[tier], action)
	}
	c.mu.Unlock()
	return nil
}

// RegisterFallback installs the recovery action for this key. Only the
// first registration wins; it runs immediately, again when the queue goes
// idle after a withdraw, and last during cancellation. It reports whether
// action was installed.
func (c *Coordinator) RegisterFallback(action func()) bool {
	if action == nil {
		return false
	}
	c.mu.Lock()
	if c.fallback != nil {
		c.mu.Unlock()
		return false
	}
	c.fallback = action
	c.mu.Unlock()

	c.runFallback("register")
	return true
}

// HasFallback reports whether a fallback is installed.
func (c *Coordinator) HasFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback != nil
}

// Attachment returns the value stored under name, calling create to store
// one on first use. Backends keep per-key shared state here, such as a wake
// signal.
func (c *Coordinator) Attachment(name string, create func() any) any {
	if v, ok := c.attachments.Load(name); ok {
		return v
	}
	v, _ := c.attachments.LoadOrStore(name, create())
	return v
}

// Attach records an active worker loop.
func (c *Coordinator) Attach() {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
}

// Detach records a worker loop exit. When the last worker leaves after any
// of them withdrew, the fallback runs so in-flight messages return to the
// main store.
func (c *Coordinator) Detach(withdrawn bool) {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	if withdrawn {
		c.withdrawn = true
	}
	idle := c.active == 0 && c.withdrawn && c.fallback != nil
	if idle {
		c.withdrawn = false
	}
	c.mu.Unlock()

	if idle {
		c.runFallback("idle")
	}
}

// Active returns the number of attached worker loops.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Cancel runs the cancel chain once: tiers ascend with the grace pause
// between them and the fallback runs last. Later calls block until the
// first has finished.
func (c *Coordinator) Cancel() {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		c.cancelling = true
		order := slices.Sorted(maps.Keys(c.tiers))
		tiers := make([][]func(), 0, len(order))
		for _, tier := range order {
			tiers = append(tiers, slices.Clone(c.tiers[tier]))
		}
		hasFallback := c.fallback != nil
		c.mu.Unlock()

		c.logger.Debug("Cancelling coordinator", loggingpkg.LogFields{"tiers": len(order)})
		for i, actions := range tiers {
			if i > 0 {
				time.Sleep(c.grace)
			}
			for _, action := range actions {
				c.safeRun(fmt.Sprintf("cancel tier %d", order[i]), action)
			}
		}
		if hasFallback {
			if len(tiers) > 0 {
				time.Sleep(c.grace)
			}
			c.runFallback("cancel")
		}
		close(c.done)
	})
}

func (c *Coordinator) runFallback(reason string) {
	c.mu.Lock()
	action := c.fallback
	c.mu.Unlock()
	if action == nil {
		return
	}

	c.dequeueMu.Lock()
	defer c.dequeueMu.Unlock()
	c.processingMu.Lock()
	defer c.processingMu.Unlock()

	c.logger.Debug("Running recovery fallback", loggingpkg.LogFields{"reason": reason})
	c.safeRun("fallback", action)
}

func (c *Coordinator) safeRun(stage string, action func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Coordinator action panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{"stage": stage})
		}
	}()
	action()
}

// watch cancels the coordinator when ctx ends. The returned func detaches
// the watcher.
func (c *Coordinator) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, c.Cancel)
}
