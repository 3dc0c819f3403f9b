// Package dqueue is a vendor-agnostic message queue client. Producers enqueue
// typed messages; consumers run pooled workers that dequeue them and fan
// each one out to their handlers. The backing store is chosen from Config
// once at startup: an in-process store, Redis lists with a pub/sub wake
// signal, or RabbitMQ.
//
// Service owns the process scoped state: the provider builder, the
// coordinator registry that serializes the workers sharing a queue on one
// host, and the health monitor that respawns dead workers. A minimal setup
// fills Config, creates a Service, creates consumers and registers handlers
// with Receive or ReceiveJSON, then sends with a Producer.
//
// # Delivery
//
// Delivery is at least once. A popped message is moved to the processing
// store "{queue}-processing-{host}" and removed only when every handler has
// returned. Messages whose dispatch timed out, or that were in flight when
// a consumer stopped, stay there until the coordinator fallback moves them
// back to the main queue: when the first worker of a queue starts, when the
// last worker withdraws, and when the service stops. A host that crashes
// recovers its messages on the next start as long as HostID is stable.
// RabbitMQ relies on broker acknowledgement instead.
//
// # Providers
//
//   - memory: ordered in-process lists; useful for tests and single process deployments
//   - redis: LPUSH/RPOPLPUSH lists with a pub/sub channel per queue as a wake signal
//   - rabbitmq: durable queues through Watermill AMQP with native acknowledgement
//
// Custom backends register a ProviderBuilder on a ProviderRegistry passed in
// ServiceDependencies.
//
// # Observability
//
// Every dispatch runs inside an OpenTelemetry span. Prometheus collectors are
// registered on ServiceDependencies.Registerer and served on /metrics when
// MetricsEnabled is set; the WebUI port serves /api/consumers and
// /api/health.
package dqueue
