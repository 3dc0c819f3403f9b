// Package provider defines the contract every queue backend implements and
// the shared machinery the list based backends are built on.
//
// Backends live in sub-packages (memory, redis, rabbitmq) and register a
// Builder with a Registry. The runtime resolves the configured backend once
// at startup and builds one Provider per worker.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/dqueue/internal/runtime/coordinator"
)

// State is the reception state reported by a ReceiveFunc.
type State int

const (
	StateListen State = iota
	StateProcess
	StateSuccess
	StateTimeout
	StateWithdraw
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "listen"
	case StateProcess:
		return "process"
	case StateSuccess:
		return "success"
	case StateTimeout:
		return "timeout"
	case StateWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReceiveFunc handles one popped message and returns the state the worker
// loop moves to. Success acknowledges the message, Timeout leaves it in the
// processing store, Withdraw leaves it there and ends the loop.
type ReceiveFunc func(ctx context.Context, payload []byte) State

// Provider is a queue backend bound to one worker or producer.
type Provider interface {
	Name() string
	// Enqueue appends message to the tail of queueName. A blank queue name or
	// nil message is ignored.
	Enqueue(ctx context.Context, queueName string, message []byte) error
	// Dequeue blocks until ctx ends, handing each popped message to receive.
	Dequeue(ctx context.Context, queueName string, receive ReceiveFunc) error
	Close() error
}

// Config provides the values backends read.
type Config interface {
	GetProvider() string
	GetHostID() string
	GetPollInterval() time.Duration

	// Redis
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	// RabbitMQ
	GetRabbitMQURL() string

	// Retry
	GetRetryMaxRetries() int
	GetRetryInitialInterval() time.Duration
	GetRetryMaxInterval() time.Duration
}

// Dependencies are the process scoped collaborators handed to builders.
type Dependencies struct {
	Coordinators *coordinator.Registry
	Logger       watermill.LoggerAdapter
}

// Builder creates a Provider from config.
type Builder func(ctx context.Context, cfg Config, deps Dependencies) (Provider, error)

// ProcessingQueueName names the shadow store holding in-flight messages of
// queue on host.
func ProcessingQueueName(queue, host string) string {
	return queue + "-processing-" + host
}
