// Package rabbitmq provides the RabbitMQ backend. The broker tracks
// unacknowledged deliveries itself, so there is no processing list: a
// successful dispatch acks the delivery and anything else nacks it for
// redelivery.
package rabbitmq

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/dqueue/internal/runtime/coordinator"
	errspkg "github.com/drblury/dqueue/internal/runtime/errors"
	"github.com/drblury/dqueue/internal/runtime/ids"
	"github.com/drblury/dqueue/internal/runtime/metadata"
	"github.com/drblury/dqueue/internal/runtime/wait"
	"github.com/drblury/dqueue/provider"
)

// ProviderName is the name used to register this backend.
const ProviderName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Provider is a RabbitMQ backed provider.Provider.
type Provider struct {
	conn       *amqp.ConnectionWrapper
	publisher  message.Publisher
	subscriber message.Subscriber
	coords     *coordinator.Registry
	host       string
	retry      provider.RetryPolicy
	logger     watermill.LoggerAdapter
	closed     atomic.Bool
}

// New connects to the broker named by cfg.GetRabbitMQURL.
func New(cfg provider.Config, deps provider.Dependencies) (*Provider, error) {
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

	url := cfg.GetRabbitMQURL()
	amqpConfig := amqp.NewDurableQueueConfig(url)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, &provider.ConnectionError{Provider: ProviderName, Op: "connect", Err: err}
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		closeConn(conn)
		return nil, &provider.ConnectionError{Provider: ProviderName, Op: "publisher", Err: err}
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		closeConn(conn)
		return nil, &provider.ConnectionError{Provider: ProviderName, Op: "subscriber", Err: err}
	}

	return &Provider{
		conn:       conn,
		publisher:  publisher,
		subscriber: subscriber,
		coords:     deps.Coordinators,
		host:       cfg.GetHostID(),
		retry:      provider.RetryPolicyFromConfig(cfg),
		logger:     logger,
	}, nil
}

func closeConn(conn *amqp.ConnectionWrapper) {
	if conn != nil {
		_ = conn.Close()
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// Enqueue publishes message to the durable queue named queueName.
func (p *Provider) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	if strings.TrimSpace(queueName) == "" || payload == nil {
		return nil
	}
	if p.closed.Load() {
		return &provider.ConnectionError{Provider: ProviderName, Op: "enqueue", Queue: queueName, Err: provider.ErrClosed}
	}
	err := p.retry.Do(ctx, func() error {
		msg := message.NewMessage(ids.CreateULID(), payload)
		msg.Metadata.Set(metadata.KeyHost, p.host)
		msg.SetContext(ctx)
		return p.publisher.Publish(queueName, msg)
	})
	if err != nil {
		return &provider.ConnectionError{Provider: ProviderName, Op: "enqueue", Queue: queueName, Err: err}
	}
	return nil
}

// Dequeue consumes queueName until ctx ends or receive withdraws.
func (p *Provider) Dequeue(ctx context.Context, queueName string, receive provider.ReceiveFunc) error {
	if p.closed.Load() {
		return provider.ErrClosed
	}
	if strings.TrimSpace(queueName) == "" {
		return errspkg.NewValidationError("queue", errspkg.ErrQueueRequired)
	}
	if receive == nil {
		return errspkg.NewValidationError("receive", errspkg.ErrHandlerRequired)
	}

	fields := watermill.LogFields{"provider": ProviderName, "queue": queueName, "host": p.host}
	coord := p.coords.Get(queueName, p.host)
	coord.RunOnce(func() {
		if init, ok := p.subscriber.(message.SubscribeInitializer); ok {
			if err := init.SubscribeInitialize(queueName); err != nil {
				p.logger.Error("Queue declaration failed", err, fields)
			}
		}
	})

	coord.Attach()
	withdrawn := false
	defer func() { coord.Detach(withdrawn) }()

	retry := p.retry.NewBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		subCtx, cancel := context.WithCancel(ctx)
		messages, err := p.subscriber.Subscribe(subCtx, queueName)
		if err != nil {
			cancel()
			p.logger.Error("Subscribe failed, retrying", err, fields)
			if wait.Sleep(ctx, retry.NextBackOff()) != nil {
				return nil
			}
			continue
		}
		retry.Reset()

		withdrawn = p.consume(ctx, messages, receive)
		cancel()
		if withdrawn || ctx.Err() != nil {
			return nil
		}
		p.logger.Info("Subscription closed, resubscribing", fields)
		if wait.Sleep(ctx, retry.NextBackOff()) != nil {
			return nil
		}
	}
}

// consume reports whether the worker withdrew.
func (p *Provider) consume(ctx context.Context, messages <-chan *message.Message, receive provider.ReceiveFunc) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-messages:
			if !ok {
				return false
			}
			switch receive(ctx, msg.Payload) {
			case provider.StateSuccess:
				msg.Ack()
			case provider.StateWithdraw:
				msg.Nack()
				return true
			default:
				msg.Nack()
			}
		}
	}
}

// Close shuts down the publisher, subscriber and connection.
func (p *Provider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := p.subscriber.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register adds the RabbitMQ backend to r.
func Register(r *provider.Registry) {
	r.Register(ProviderName, func(_ context.Context, cfg provider.Config, deps provider.Dependencies) (provider.Provider, error) {
		return New(cfg, deps)
	}, provider.RabbitMQCapabilities)
}
