// Package dispatch holds the per-message lifecycle and the sequential
// fan-out dispatcher.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/dqueue/internal/runtime/codec"
)

var (
	// ErrDispatchTimeout is the cancellation cause when the per-message
	// timeout elapses.
	ErrDispatchTimeout = errors.New("dqueue: dispatch timed out")
	// ErrAborted is the cancellation cause after Abort or Close.
	ErrAborted = errors.New("dqueue: dispatch aborted")
)

// Resolution is the final outcome of a dispatch.
type Resolution int32

const (
	Pending Resolution = iota
	Complete
	Timeout
	// Withdraw means the owning consumer shut down first. No hook runs and
	// the message stays in the processing store.
	Withdraw
)

func (r Resolution) String() string {
	switch r {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Timeout:
		return "timeout"
	case Withdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("resolution(%d)", int32(r))
	}
}

// Hooks are called exactly once when a context resolves.
type Hooks struct {
	OnComplete func(dc *Context, result Result)
	OnTimeout  func(dc *Context)
}

// Context is the lifecycle of one popped message.
type Context struct {
	msg     *codec.Envelope
	items   Items
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	hooks   Hooks
	started time.Time

	mu         sync.Mutex
	exceptions []error

	state     atomic.Int32
	closeOnce sync.Once
}

// New creates the context for msg. Its cancellation is linked to parent,
// to the timeout (when > 0) and to Abort.
func New(parent context.Context, msg *codec.Envelope, timeout time.Duration, hooks Hooks) *Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	dc := &Context{
		msg:     msg,
		parent:  parent,
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		started: time.Now(),
	}
	if timeout > 0 {
		dc.timer = time.AfterFunc(timeout, func() {
			if dc.GotoTimeout() {
				cancel(ErrDispatchTimeout)
			}
		})
	}
	return dc
}

// Message returns the envelope being dispatched.
func (dc *Context) Message() *codec.Envelope { return dc.msg }

// Decode unmarshals the payload into target.
func (dc *Context) Decode(target any) error {
	return codec.UnmarshalPayload(dc.msg, target)
}

// Items returns the bag shared by every handler of this message.
func (dc *Context) Items() *Items { return &dc.items }

// Context returns the linked cancellation scope. context.Cause reports
// ErrDispatchTimeout or ErrAborted when those fired.
func (dc *Context) Context() context.Context {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.ctx
}

func (dc *Context) setContext(ctx context.Context) {
	dc.mu.Lock()
	dc.ctx = ctx
	dc.mu.Unlock()
}

// Started returns when the context was created.
func (dc *Context) Started() time.Time { return dc.started }

// Abort cancels the scope without resolving the context.
func (dc *Context) Abort() {
	dc.cancel(ErrAborted)
}

// LogException records err. Sibling handlers keep running.
func (dc *Context) LogException(err error) {
	if err == nil {
		return
	}
	dc.mu.Lock()
	dc.exceptions = append(dc.exceptions, err)
	dc.mu.Unlock()
}

// Exceptions returns a copy of the recorded errors in order.
func (dc *Context) Exceptions() []error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return slices.Clone(dc.exceptions)
}

// Resolution reports the current resolution.
func (dc *Context) Resolution() Resolution {
	return Resolution(dc.state.Load())
}

// GotoComplete resolves the context as complete and calls OnComplete. It
// reports false when the context was already resolved.
func (dc *Context) GotoComplete() bool {
	if !dc.resolve(Complete) {
		return false
	}
	if dc.hooks.OnComplete != nil {
		result := Result{Resolution: Complete, Errors: dc.Exceptions(), Duration: time.Since(dc.started)}
		dc.callHook("OnComplete", func() { dc.hooks.OnComplete(dc, result) })
	}
	return true
}

// GotoTimeout resolves the context as timed out and calls OnTimeout. It
// reports false when the context was already resolved.
func (dc *Context) GotoTimeout() bool {
	if !dc.resolve(Timeout) {
		return false
	}
	if dc.hooks.OnTimeout != nil {
		dc.callHook("OnTimeout", func() { dc.hooks.OnTimeout(dc) })
	}
	return true
}

func (dc *Context) withdraw() bool {
	return dc.resolve(Withdraw)
}

func (dc *Context) resolve(to Resolution) bool {
	if !dc.state.CompareAndSwap(int32(Pending), int32(to)) {
		return false
	}
	if dc.timer != nil {
		dc.timer.Stop()
	}
	return true
}

func (dc *Context) callHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			dc.LogException(fmt.Errorf("dqueue: %s hook panicked: %v", name, r))
		}
	}()
	fn()
}

// shutdown reports whether the parent scope fired.
func (dc *Context) shutdown() bool {
	return dc.parent.Err() != nil
}

// Close stops the timer and fires the abort scope so anything bound to
// this message is released. It is safe to call more than once.
func (dc *Context) Close() {
	dc.closeOnce.Do(func() {
		if dc.timer != nil {
			dc.timer.Stop()
		}
		dc.cancel(ErrAborted)
	})
}

// Items is a concurrency safe key/value bag.
type Items struct {
	mu     sync.RWMutex
	values map[string]any
}

// Set stores value under key.
func (i *Items) Set(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.values == nil {
		i.values = make(map[string]any)
	}
	i.values[key] = value
}

// Get returns the value under key.
func (i *Items) Get(key string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.values[key]
	return v, ok
}

// Delete removes key.
func (i *Items) Delete(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.values, key)
}

// Len returns the number of entries.
func (i *Items) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.values)
}

// Range calls fn for each entry until it returns false. fn must not modify
// the bag.
func (i *Items) Range(fn func(key string, value any) bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for k, v := range i.values {
		if !fn(k, v) {
			return
		}
	}
}
