package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/drblury/dqueue/internal/runtime/codec"
	errspkg "github.com/drblury/dqueue/internal/runtime/errors"
	idspkg "github.com/drblury/dqueue/internal/runtime/ids"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
	metadatapkg "github.com/drblury/dqueue/internal/runtime/metadata"
	"github.com/drblury/dqueue/provider"
)

// Queued is implemented by payloads that declare their own queue.
type Queued interface {
	QueueName() string
}

// ProducerOptions configure a Producer.
type ProducerOptions struct {
	// HashSuffix appends "-{8 hex chars}" of the xxhash64 of the payload's
	// package-qualified type name to every derived queue name, so two types
	// sharing a short name land on different queues. Consumers compute the
	// same name with QueueNameFor.
	HashSuffix bool
	// Metadata is attached to every message sent by the producer.
	Metadata metadatapkg.Metadata
}

// SendOption customises a single Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	queue    string
	metadata metadatapkg.Metadata
}

// WithQueue sends to name instead of the derived queue. The name is used
// verbatim and never suffixed.
func WithQueue(name string) SendOption {
	return func(o *sendOptions) {
		o.queue = name
	}
}

// WithMetadata attaches md to the message, overriding producer metadata.
func WithMetadata(md metadatapkg.Metadata) SendOption {
	return func(o *sendOptions) {
		o.metadata = o.metadata.Merge(md)
	}
}

// Producer serializes payloads into envelopes and enqueues them.
type Producer struct {
	provider provider.Provider
	host     string
	opts     ProducerOptions
	metrics  *Metrics
	logger   loggingpkg.ServiceLogger
}

// NewProducer returns a producer bound to the service provider.
func (s *Service) NewProducer(opts ProducerOptions) *Producer {
	return &Producer{
		provider: s.producer,
		host:     s.Conf.HostID,
		opts:     opts,
		metrics:  s.metrics,
		logger:   loggingpkg.Component(s.Logger, "producer"),
	}
}

// Send enqueues msg. The queue is, in order of precedence, the WithQueue
// override, msg.QueueName() when msg implements Queued, or the Go type name
// of msg. Provider failures that survive the retry policy are returned as
// *provider.ConnectionError.
func (p *Producer) Send(ctx context.Context, msg any, opts ...SendOption) error {
	if isNil(msg) {
		return errspkg.NewValidationError("message", errspkg.ErrMessageRequired)
	}

	o := sendOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	queue := strings.TrimSpace(o.queue)
	if queue == "" {
		queue = queueNameOf(msg, p.opts.HashSuffix)
	}
	if queue == "" {
		return errspkg.NewValidationError("queue", errspkg.ErrQueueRequired)
	}

	payload, contentType, err := codec.MarshalPayload(msg)
	if err != nil {
		return err
	}

	typeName := codec.TypeName(msg)
	env := &codec.Envelope{
		ID:          idspkg.CreateULID(),
		Queue:       queue,
		Type:        typeName,
		ContentType: contentType,
		EnqueuedAt:  time.Now().UTC(),
		Payload:     payload,
		Metadata: p.opts.Metadata.Merge(o.metadata, metadatapkg.New(
			metadatapkg.KeyMessageType, typeName,
			metadatapkg.KeyContentType, contentType,
			metadatapkg.KeyHost, p.host,
		)),
	}
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}

	err = p.provider.Enqueue(ctx, queue, data)
	p.metrics.RecordSent(queue, err)
	if err != nil {
		p.logger.Error("Failed to enqueue message", err, loggingpkg.LogFields{"queue": queue, "message_id": env.ID})
		return err
	}
	p.logger.Debug("Message enqueued", loggingpkg.LogFields{"queue": queue, "message_id": env.ID, "message_type": typeName})
	return nil
}

// QueueNameFor returns the queue a Producer derives for payloads of type T.
// Consumers use it to listen on the queue producers send to.
func QueueNameFor[T any](hashSuffix bool) string {
	t := reflect.TypeFor[T]()
	return deriveQueueName(t, asQueued(newOf(t)), hashSuffix)
}

func queueNameOf(msg any, hashSuffix bool) string {
	q, ok := msg.(Queued)
	if !ok {
		q = asQueued(addressable(msg))
	}
	return deriveQueueName(reflect.TypeOf(msg), q, hashSuffix)
}

func deriveQueueName(t reflect.Type, q Queued, hashSuffix bool) string {
	var name string
	if q != nil {
		name = strings.TrimSpace(q.QueueName())
	} else {
		name = baseType(t).Name()
	}
	if name == "" || !hashSuffix {
		return name
	}
	return HashedQueueName(name, codec.QualifiedName(t))
}

// HashedQueueName appends the first 8 hex characters of xxhash64(typeName)
// to queue.
func HashedQueueName(queue, typeName string) string {
	return fmt.Sprintf("%s-%016x", queue, xxhash.Sum64String(typeName))[:len(queue)+9]
}

func asQueued(v any) Queued {
	if q, ok := v.(Queued); ok {
		return q
	}
	return nil
}

func baseType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// newOf returns a pointer to a zero value of t's base type so pointer and
// value receivers are both visible.
func newOf(t reflect.Type) any {
	bt := baseType(t)
	if bt == nil {
		return nil
	}
	return reflect.New(bt).Interface()
}

// addressable returns a pointer to a copy of a non-pointer value.
func addressable(v any) any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() == reflect.Pointer {
		return nil
	}
	ptr := reflect.New(rv.Type())
	ptr.Elem().Set(rv)
	return ptr.Interface()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
