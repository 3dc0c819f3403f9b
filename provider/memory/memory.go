// Package memory provides the in-process list backend. It keeps the same
// main/processing layout as the Redis backend, so it is used for tests and
// single process deployments.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/dqueue/internal/runtime/coordinator"
	"github.com/drblury/dqueue/internal/runtime/wait"
	"github.com/drblury/dqueue/provider"
)

// ProviderName is the name used to register this backend.
const ProviderName = "memory"

// Store holds every queue of one registration. Providers built from the
// same Store share data.
type Store struct {
	queues sync.Map
	owners sync.Map // processing list name -> main queue name
}

type queueState struct {
	mu         sync.Mutex
	items      [][]byte
	processing map[string][][]byte
	signal     *wait.Signal
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) queue(name string) *queueState {
	if q, ok := s.queues.Load(name); ok {
		return q.(*queueState)
	}
	q, _ := s.queues.LoadOrStore(name, &queueState{
		processing: make(map[string][][]byte),
		signal:     wait.NewSignal(),
	})
	return q.(*queueState)
}

func (s *Store) push(name string, payload []byte) {
	q := s.queue(name)
	q.mu.Lock()
	q.items = append(q.items, slices.Clone(payload))
	q.mu.Unlock()
	q.signal.Notify()
}

// Len returns the number of messages waiting in queue.
func (s *Store) Len(queue string) int {
	q := s.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ProcessingLen returns the number of in-flight messages of queue on host.
func (s *Store) ProcessingLen(queue, host string) int {
	q := s.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing[provider.ProcessingQueueName(queue, host)])
}

// Snapshot returns copies of the main list and every processing list of
// queue, keyed by store name.
func (s *Store) Snapshot(queue string) map[string][][]byte {
	q := s.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string][][]byte, len(q.processing)+1)
	out[queue] = cloneAll(q.items)
	for name, items := range q.processing {
		out[name] = cloneAll(items)
	}
	return out
}

func cloneAll(items [][]byte) [][]byte {
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = slices.Clone(item)
	}
	return out
}

// backend adapts a Store to provider.ListBackend. Processing lists live on
// the state of their main queue so a pop is a single locked move.
type backend struct {
	store *Store
}

func (b *backend) Push(_ context.Context, queue string, payload []byte) error {
	b.store.push(queue, payload)
	return nil
}

func (b *backend) PopToProcessing(_ context.Context, queue, processing string) ([]byte, bool, error) {
	b.store.owners.Store(processing, queue)
	q := b.store.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false, nil
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.processing[processing] = append(q.processing[processing], head)
	return head, true, nil
}

func (b *backend) Ack(_ context.Context, processing string, payload []byte) error {
	owner, ok := b.store.owners.Load(processing)
	if !ok {
		return nil
	}
	q := b.store.queue(owner.(string))
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.processing[processing]
	for i, item := range items {
		if slices.Equal(item, payload) {
			q.processing[processing] = slices.Delete(items, i, i+1)
			break
		}
	}
	if len(q.processing[processing]) == 0 {
		delete(q.processing, processing)
	}
	return nil
}

func (b *backend) Requeue(_ context.Context, queue, processing string) (int, error) {
	b.store.owners.Store(processing, queue)
	q := b.store.queue(queue)
	q.mu.Lock()
	moved := q.processing[processing]
	if len(moved) > 0 {
		q.items = append(moved, q.items...)
	}
	delete(q.processing, processing)
	q.mu.Unlock()
	if len(moved) > 0 {
		q.signal.Notify()
	}
	return len(moved), nil
}

// Provider is a memory backed provider.Provider.
type Provider struct {
	store  *Store
	loop   *provider.ListLoop
	closed atomic.Bool
}

// New creates a provider over store.
func New(store *Store, cfg provider.Config, deps provider.Dependencies) (*Provider, error) {
	if cfg == nil {
		return nil, provider.ErrConfigRequired
	}
	if deps.Coordinators == nil {
		return nil, provider.ErrCoordinatorsRequired
	}
	if store == nil {
		store = NewStore()
	}
	p := &Provider{store: store}
	p.loop = &provider.ListLoop{
		Name:         ProviderName,
		Backend:      &backend{store: store},
		Coordinators: deps.Coordinators,
		Host:         cfg.GetHostID(),
		PollInterval: pollInterval(cfg),
		Retry:        provider.RetryPolicyFromConfig(cfg),
		Logger:       deps.Logger,
		Waiter: func(_ *coordinator.Coordinator, queue string) wait.Waiter {
			return store.queue(queue).signal
		},
	}
	return p, nil
}

func pollInterval(cfg provider.Config) time.Duration {
	if d := cfg.GetPollInterval(); d > 0 {
		return d
	}
	return time.Second
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// Store returns the backing store.
func (p *Provider) Store() *Store { return p.store }

// Enqueue implements provider.Provider.
func (p *Provider) Enqueue(ctx context.Context, queueName string, message []byte) error {
	if p.closed.Load() {
		return &provider.ConnectionError{Provider: ProviderName, Op: "enqueue", Queue: queueName, Err: provider.ErrClosed}
	}
	return p.loop.Enqueue(ctx, queueName, message)
}

// Dequeue implements provider.Provider.
func (p *Provider) Dequeue(ctx context.Context, queueName string, receive provider.ReceiveFunc) error {
	if p.closed.Load() {
		return provider.ErrClosed
	}
	return p.loop.Dequeue(ctx, queueName, receive)
}

// Close marks the provider closed. The store is left intact.
func (p *Provider) Close() error {
	p.closed.Store(true)
	return nil
}

// Register adds the memory backend to r. Every provider it builds shares
// store.
func Register(r *provider.Registry, store *Store) {
	if store == nil {
		store = NewStore()
	}
	r.Register(ProviderName, func(_ context.Context, cfg provider.Config, deps provider.Dependencies) (provider.Provider, error) {
		return New(store, cfg, deps)
	}, provider.MemoryCapabilities)
}
