package provider

// Capabilities describes how a backend delivers and acknowledges messages.
type Capabilities struct {
	Name string

	// PushNotify indicates waiters are woken by the backend instead of
	// polling alone.
	PushNotify bool

	// NativeAck indicates the broker tracks unacknowledged messages itself,
	// so no processing store is kept.
	NativeAck bool

	// ProcessingQueue indicates in-flight messages are parked in the
	// "{queue}-processing-{host}" store and recovered by the fallback.
	ProcessingQueue bool

	// Ordering indicates a single worker sees messages in FIFO order.
	Ordering bool
}

// RequiresFallback reports whether crash recovery relies on the
// coordinator fallback.
func (c Capabilities) RequiresFallback() bool {
	return c.ProcessingQueue && !c.NativeAck
}

var (
	MemoryCapabilities = Capabilities{
		Name:            "memory",
		PushNotify:      true,
		ProcessingQueue: true,
		Ordering:        true,
	}

	RedisCapabilities = Capabilities{
		Name:            "redis",
		PushNotify:      true,
		ProcessingQueue: true,
		Ordering:        true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:       "rabbitmq",
		PushNotify: true,
		NativeAck:  true,
		Ordering:   true,
	}
)
