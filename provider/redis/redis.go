// Package redis provides the Redis list backend.
//
// Each queue is a list: producers LPUSH to the tail and workers RPOPLPUSH
// the head into "{queue}-processing-{host}". A PUBLISH on the channel named
// after the queue wakes idle workers; its payload carries no meaning.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/dqueue/internal/runtime/coordinator"
	"github.com/drblury/dqueue/internal/runtime/ids"
	"github.com/drblury/dqueue/internal/runtime/wait"
	"github.com/drblury/dqueue/provider"
)

// ProviderName is the name used to register this backend.
const ProviderName = "redis"

const signalAttachment = "redis.signal"

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(opts *goredis.Options) goredis.UniversalClient {
	return goredis.NewClient(opts)
}

// Options builds client options from cfg.
func Options(cfg provider.Config) *goredis.Options {
	return &goredis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	}
}

// Provider is a Redis backed provider.Provider.
type Provider struct {
	client goredis.UniversalClient
	opts   *goredis.Options
	loop   *provider.ListLoop
	logger watermill.LoggerAdapter
	closed atomic.Bool
}

// New connects to Redis and returns a provider.
func New(ctx context.Context, cfg provider.Config, deps provider.Dependencies) (*Provider, error) {
	if cfg == nil {
		return nil, provider.ErrConfigRequired
	}
	if deps.Coordinators == nil {
		return nil, provider.ErrCoordinatorsRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	opts := Options(cfg)
	client := ClientFactory(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &provider.ConnectionError{Provider: ProviderName, Op: "connect", Err: err}
	}

	p := &Provider{client: client, opts: opts, logger: logger}
	poll := cfg.GetPollInterval()
	if poll <= 0 {
		poll = time.Second
	}
	p.loop = &provider.ListLoop{
		Name:         ProviderName,
		Backend:      &backend{client: client},
		Coordinators: deps.Coordinators,
		Host:         cfg.GetHostID(),
		PollInterval: poll,
		Retry:        provider.RetryPolicyFromConfig(cfg),
		Logger:       logger,
		Init:         p.startListener,
		Waiter: func(c *coordinator.Coordinator, _ string) wait.Waiter {
			return signalFor(c)
		},
	}
	return p, nil
}

func signalFor(c *coordinator.Coordinator) *wait.Signal {
	return c.Attachment(signalAttachment, func() any { return wait.NewSignal() }).(*wait.Signal)
}

// startListener subscribes to the queue channel with a dedicated client that
// lives as long as the coordinator. Every message on the channel wakes the
// coordinator's waiters.
func (p *Provider) startListener(c *coordinator.Coordinator, queue string) {
	signal := signalFor(c)
	fields := watermill.LogFields{"provider": ProviderName, "queue": queue, "host": c.Host()}

	client := ClientFactory(p.opts)
	pubsub := client.Subscribe(context.Background(), queue)
	if _, err := pubsub.Receive(context.Background()); err != nil {
		p.logger.Error("Notification subscribe failed, falling back to polling", err, fields)
		_ = pubsub.Close()
		_ = client.Close()
		return
	}

	go func() {
		for range pubsub.Channel() {
			signal.Notify()
		}
	}()

	_ = c.RegisterCancel(0, false, func() {
		_ = pubsub.Close()
		_ = client.Close()
	})
	p.logger.Debug("Notification listener started", fields)
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// Client returns the underlying Redis client.
func (p *Provider) Client() goredis.UniversalClient { return p.client }

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

// Close releases the client.
func (p *Provider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.client.Close()
}

// Register adds the Redis backend to r.
func Register(r *provider.Registry) {
	r.Register(ProviderName, func(ctx context.Context, cfg provider.Config, deps provider.Dependencies) (provider.Provider, error) {
		return New(ctx, cfg, deps)
	}, provider.RedisCapabilities)
}

type backend struct {
	client goredis.UniversalClient
}

func (b *backend) Push(ctx context.Context, queue string, payload []byte) error {
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, queue, payload)
		pipe.Publish(ctx, queue, ids.CreateULID())
		return nil
	})
	if err != nil {
		return fmt.Errorf("dqueue/redis: push: %w", err)
	}
	return nil
}

func (b *backend) PopToProcessing(ctx context.Context, queue, processing string) ([]byte, bool, error) {
	payload, err := b.client.RPopLPush(ctx, queue, processing).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dqueue/redis: pop: %w", err)
	}
	return payload, true, nil
}

func (b *backend) Ack(ctx context.Context, processing string, payload []byte) error {
	if err := b.client.LRem(ctx, processing, 1, payload).Err(); err != nil {
		return fmt.Errorf("dqueue/redis: ack: %w", err)
	}
	return nil
}

func (b *backend) Requeue(ctx context.Context, queue, processing string) (int, error) {
	moved := 0
	for {
		err := b.client.LMove(ctx, processing, queue, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("dqueue/redis: requeue: %w", err)
		}
		moved++
	}
	if err := b.client.Del(ctx, processing).Err(); err != nil {
		return moved, fmt.Errorf("dqueue/redis: clear processing: %w", err)
	}
	if moved > 0 {
		if err := b.client.Publish(ctx, queue, ids.CreateULID()).Err(); err != nil {
			return moved, fmt.Errorf("dqueue/redis: notify: %w", err)
		}
	}
	return moved, nil
}
