/*
Package runtime provides the queue processing engine behind dqueue.

# Architecture Overview

A Service resolves the configured provider once, then hands out producers
and consumers bound to it. Every consumer runs a fixed pool of workers; each
worker builds its own provider instance and runs its dequeue loop. A popped
message is moved to the processing store of the host, wrapped in a
dispatch.Context and fanned out to the consumer handlers in registration
order. Complete acknowledges the message; a timeout or a shutdown leaves it
in the processing store, from where the coordinator fallback requeues it.

# Package Structure

## Core Service (service.go)

The Service wires together:
  - the provider builder resolved from configuration
  - the coordinator registry shared by all workers of the process
  - the consumer health monitor
  - HTTP servers for metrics and the introspection API

## Consumers and Producers (consumer.go, producer.go)

Consumer owns the worker pool and the handler list. Producer resolves the
destination queue from the payload and enqueues a codec.Envelope.

## Hooks and Metrics (hooks.go, metrics.go)

ConsumerHooks observe the resolution of every dispatch and can be merged.
Metrics exports per queue Prometheus collectors.

## Host (host.go)

Host starts and stops a list of Lifecycle services in registration order.

## WebUI (webui.go)

HTTP API exposing consumer statistics and the last health snapshot.

# Sub-packages

  - codec/: envelope and payload serialization
  - config/: Service configuration with validation and environment overlay
  - coordinator/: per queue and host coordination and recovery fallback
  - dispatch/: per message lifecycle and the handler dispatcher
  - errors/: sentinel errors and error types
  - health/: consumer health monitor
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: message metadata utilities
  - wait/: wait-for-availability primitives

# Usage Example

	svc, err := dqueue.NewService(&dqueue.Config{Provider: "redis", RedisAddr: "localhost:6379"},
		logger, ctx, dqueue.ServiceDependencies{})
	if err != nil {
		return err
	}

	consumer, _ := svc.NewConsumer(dqueue.QueueNameFor[OrderCreated](false), dqueue.ConsumerOptions{Threads: 4})
	_ = dqueue.ReceiveJSON(consumer, "store-order", func(dc *dqueue.DispatchContext, msg *OrderCreated) error {
		return store(dc.Context(), msg)
	})

	producer := svc.NewProducer(dqueue.ProducerOptions{})
	_ = producer.Send(ctx, &OrderCreated{ID: "42"})
*/
package runtime
