package provider

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/dqueue/internal/runtime/coordinator"
	errspkg "github.com/drblury/dqueue/internal/runtime/errors"
	"github.com/drblury/dqueue/internal/runtime/wait"
)

// ListBackend is a store holding each queue as an ordered list plus a
// processing list per host.
type ListBackend interface {
	// Push appends payload to the tail of queue.
	Push(ctx context.Context, queue string, payload []byte) error
	// PopToProcessing atomically moves the head of queue to the processing
	// list and returns it. ok is false when the queue is empty.
	PopToProcessing(ctx context.Context, queue, processing string) (payload []byte, ok bool, err error)
	// Ack removes one occurrence of payload from the processing list.
	Ack(ctx context.Context, processing string, payload []byte) error
	// Requeue moves everything in processing back to the head of queue,
	// keeping pop order, clears processing and returns how many moved.
	Requeue(ctx context.Context, queue, processing string) (int, error)
}

// ListLoop runs the shadow-queue reception protocol against a ListBackend.
type ListLoop struct {
	Name         string
	Backend      ListBackend
	Coordinators *coordinator.Registry
	Host         string
	PollInterval time.Duration
	Retry        RetryPolicy
	Logger       watermill.LoggerAdapter

	// Init runs once per queue+host before any worker pops.
	Init func(c *coordinator.Coordinator, queue string)
	// Waiter returns the wait primitive for the queue. Poll is used when nil.
	Waiter func(c *coordinator.Coordinator, queue string) wait.Waiter
}

// Enqueue pushes payload with retries. Blank queues and nil payloads are
// ignored.
func (l *ListLoop) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if strings.TrimSpace(queue) == "" || payload == nil {
		return nil
	}
	err := l.Retry.Do(ctx, func() error {
		return l.Backend.Push(ctx, queue, payload)
	})
	if err != nil {
		return &ConnectionError{Provider: l.Name, Op: "enqueue", Queue: queue, Err: err}
	}
	return nil
}

// Dequeue runs the worker loop for queue until ctx ends or receive
// withdraws. Popped messages that are not acknowledged stay in the
// processing list.
func (l *ListLoop) Dequeue(ctx context.Context, queue string, receive ReceiveFunc) error {
	if strings.TrimSpace(queue) == "" {
		return errspkg.NewValidationError("queue", errspkg.ErrQueueRequired)
	}
	if receive == nil {
		return errspkg.NewValidationError("receive", errspkg.ErrHandlerRequired)
	}
	if l.Coordinators == nil {
		return ErrCoordinatorsRequired
	}

	processing := ProcessingQueueName(queue, l.Host)
	coord := l.Coordinators.Get(queue, l.Host)
	coord.RunOnce(func() {
		if l.Init != nil {
			l.Init(coord, queue)
		}
		coord.RegisterFallback(func() { l.recover(queue, processing) })
	})

	var waiter wait.Waiter = wait.Poll{}
	if l.Waiter != nil {
		waiter = l.Waiter(coord, queue)
	}

	coord.Attach()
	withdrawn := false
	defer func() { coord.Detach(withdrawn) }()

	fields := watermill.LogFields{"provider": l.Name, "queue": queue, "host": l.Host}
	l.logger().Debug("Worker listening", fields)

	retry := l.Retry.NewBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		payload, ok, err := l.pop(ctx, coord, queue, processing)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger().Error("Dequeue failed, retrying", err, fields)
			if wait.Sleep(ctx, retry.NextBackOff()) != nil {
				return nil
			}
			continue
		}
		retry.Reset()

		if !ok {
			if _, err := waiter.Wait(ctx, l.PollInterval); err != nil {
				return nil
			}
			continue
		}

		switch state := receive(ctx, payload); state {
		case StateSuccess:
			l.ack(ctx, coord, processing, payload, fields)
		case StateWithdraw:
			withdrawn = true
			l.logger().Debug("Worker withdrawn", fields)
			return nil
		default:
			l.logger().Debug("Message left in processing store", fields.Add(watermill.LogFields{"state": state.String()}))
		}
	}
}

func (l *ListLoop) pop(ctx context.Context, coord *coordinator.Coordinator, queue, processing string) ([]byte, bool, error) {
	coord.DequeueLock().RLock()
	defer coord.DequeueLock().RUnlock()
	coord.ProcessingLock().RLock()
	defer coord.ProcessingLock().RUnlock()
	return l.Backend.PopToProcessing(ctx, queue, processing)
}

func (l *ListLoop) ack(ctx context.Context, coord *coordinator.Coordinator, processing string, payload []byte, fields watermill.LogFields) {
	// the handler already succeeded, so the ack must not be cut short by shutdown
	ackCtx := context.WithoutCancel(ctx)
	err := l.Retry.Do(ackCtx, func() error {
		coord.ProcessingLock().RLock()
		defer coord.ProcessingLock().RUnlock()
		return l.Backend.Ack(ackCtx, processing, payload)
	})
	if err != nil {
		l.logger().Error("Ack failed, message stays in processing store", err, fields)
	}
}

// recover runs under the coordinator's exclusive locks.
func (l *ListLoop) recover(queue, processing string) {
	fields := watermill.LogFields{"provider": l.Name, "queue": queue, "processing": processing}
	var moved int
	err := l.Retry.Do(context.Background(), func() error {
		n, err := l.Backend.Requeue(context.Background(), queue, processing)
		moved += n
		return err
	})
	if err != nil {
		l.logger().Error("Recovery fallback failed", err, fields)
		return
	}
	if moved > 0 {
		l.logger().Info("Recovered in-flight messages", fields.Add(watermill.LogFields{"count": moved}))
	}
}

func (l *ListLoop) logger() watermill.LoggerAdapter {
	if l.Logger == nil {
		return watermill.NopLogger{}
	}
	return l.Logger
}
