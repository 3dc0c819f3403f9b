package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dqueue/internal/runtime/codec"
	configpkg "github.com/drblury/dqueue/internal/runtime/config"
	"github.com/drblury/dqueue/internal/runtime/dispatch"
	errspkg "github.com/drblury/dqueue/internal/runtime/errors"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
	"github.com/drblury/dqueue/provider"
	"github.com/drblury/dqueue/provider/memory"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestNewConsumerValidates(t *testing.T) {
	ts := newTestService(t)

	_, err := ts.NewConsumer("  ", ConsumerOptions{})
	assert.ErrorIs(t, err, errspkg.ErrQueueRequired)
	assert.True(t, errspkg.IsValidation(err))

	_, err = ts.NewConsumer("Q", ConsumerOptions{Threads: -1})
	assert.ErrorIs(t, err, errspkg.ErrInvalidThreads)
	assert.True(t, errspkg.IsValidation(err))

	c, err := ts.NewConsumer("Q", ConsumerOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Q", c.Name())
	assert.Equal(t, configpkg.DefaultThreads, c.Stats().Threads)
	assert.Equal(t, 1, ts.Monitor().Len())
}

func TestReceiveValidates(t *testing.T) {
	ts := newTestService(t)
	c, err := ts.NewConsumer("Q", ConsumerOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Receive("", func(*dispatch.Context) error { return nil }), errspkg.ErrHandlerNameRequired)
	assert.ErrorIs(t, c.Receive("h", nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, ReceiveJSON[orderCreated](c, "h", nil), errspkg.ErrHandlerRequired)
	assert.Equal(t, 0, c.Stats().WorkersAlive)
}

func TestConsumerDeliversHello(t *testing.T) {
	ts := newTestService(t)
	producer := ts.NewProducer(ProducerOptions{})
	require.NoError(t, producer.Send(context.Background(), "hello", WithQueue("Q")))

	c, err := ts.NewConsumer("Q", ConsumerOptions{Threads: 1})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	require.NoError(t, ReceiveJSON(c, "record", func(_ *dispatch.Context, msg *string) error {
		mu.Lock()
		got = append(got, *msg)
		mu.Unlock()
		return nil
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"hello"}, got)
	require.Eventually(t, func() bool { return ts.store.ProcessingLen("Q", testHost) == 0 }, waitFor, tick)
	assert.Equal(t, 0, ts.store.Len("Q"))
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.dispatchedTotal.WithLabelValues("Q", "complete")))
}

func TestConsumerFansOutInOrderDespiteFailure(t *testing.T) {
	ts := newTestService(t)

	results := make(chan dispatch.Result, 1)
	c, err := ts.NewConsumer("Q", ConsumerOptions{
		Hooks: ConsumerHooks{OnComplete: func(_ *dispatch.Context, r dispatch.Result) { results <- r }},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []string
	record := func(name string, fail error) dispatch.HandlerFunc {
		return func(dc *dispatch.Context) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			dc.Items().Set(name, true)
			return fail
		}
	}
	boom := errors.New("boom")
	require.NoError(t, c.Receive("first", record("first", nil)))
	require.NoError(t, c.Receive("second", record("second", boom)))
	require.NoError(t, c.Receive("third", record("third", nil)))

	require.NoError(t, ts.NewProducer(ProducerOptions{}).Send(context.Background(), &orderCreated{ID: "1"}, WithQueue("Q")))

	var result dispatch.Result
	select {
	case result = <-results:
	case <-time.After(waitFor):
		t.Fatal("dispatch did not complete")
	}

	mu.Lock()
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	mu.Unlock()
	assert.Equal(t, dispatch.Complete, result.Resolution)
	require.Len(t, result.Errors, 1)
	var hErr *dispatch.HandlerError
	require.ErrorAs(t, result.Errors[0], &hErr)
	assert.Equal(t, 1, hErr.Index)
	assert.Equal(t, "second", hErr.Name)
	assert.ErrorIs(t, result.Errors[0], boom)

	require.Eventually(t, func() bool { return ts.store.ProcessingLen("Q", testHost) == 0 }, waitFor, tick)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, []string{"first", "second", "third"}, stats.Handlers)
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.handlerErrors.WithLabelValues("Q", "second")))
}

func TestReceiveStartsPoolOnce(t *testing.T) {
	ts := newTestService(t)
	c, err := ts.NewConsumer("Q", ConsumerOptions{Threads: 3})
	require.NoError(t, err)

	noop := func(*dispatch.Context) error { return nil }
	require.NoError(t, c.Receive("a", noop))
	require.NoError(t, c.Receive("b", noop))

	require.Eventually(t, func() bool { return c.Stats().WorkersAlive == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return ts.Coordinators().Get("Q", testHost).Active() == 3 }, waitFor, tick)
	alive, err := c.IsAlive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestConsumerTimeoutLeavesMessageForRecovery(t *testing.T) {
	ts := newTestService(t)

	timedOut := make(chan string, 1)
	c, err := ts.NewConsumer("Q", ConsumerOptions{
		Timeout: 50 * time.Millisecond,
		Hooks:   ConsumerHooks{OnTimeout: func(dc *dispatch.Context) { timedOut <- dc.Message().ID }},
	})
	require.NoError(t, err)

	var cause atomic.Value
	require.NoError(t, c.Receive("slow", func(dc *dispatch.Context) error {
		<-dc.Context().Done()
		cause.Store(context.Cause(dc.Context()))
		return nil
	}))

	require.NoError(t, ts.NewProducer(ProducerOptions{}).Send(context.Background(), &orderCreated{ID: "1"}, WithQueue("Q")))

	select {
	case <-timedOut:
	case <-time.After(waitFor):
		t.Fatal("timeout hook not called")
	}
	require.Eventually(t, func() bool { return c.Stats().TimedOut == 1 }, waitFor, tick)
	assert.Equal(t, dispatch.ErrDispatchTimeout, cause.Load())
	assert.Equal(t, 1, ts.store.ProcessingLen("Q", testHost))
	assert.Equal(t, 0, ts.store.Len("Q"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, ts.Stop(ctx))

	assert.Equal(t, 0, ts.store.ProcessingLen("Q", testHost))
	assert.Equal(t, 1, ts.store.Len("Q"))
}

func TestDisposeFinishesInFlightMessage(t *testing.T) {
	ts := newTestService(t)
	var completed atomic.Int32
	c, err := ts.NewConsumer("Q", ConsumerOptions{
		Hooks: ConsumerHooks{OnComplete: func(*dispatch.Context, dispatch.Result) { completed.Add(1) }},
	})
	require.NoError(t, err)

	entered := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, c.Receive("blocking", func(dc *dispatch.Context) error {
		calls.Add(1)
		close(entered)
		<-dc.Context().Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	}))
	require.NoError(t, ts.NewProducer(ProducerOptions{}).Send(context.Background(), &orderCreated{ID: "1"}, WithQueue("Q")))

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("handler not entered")
	}

	c.Dispose()
	c.Dispose()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), completed.Load())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Withdrawn)
	assert.True(t, stats.Disposed)
	assert.Equal(t, 0, ts.store.ProcessingLen("Q", testHost))
	assert.Equal(t, 0, ts.store.Len("Q"))
	assert.Equal(t, 0, ts.Monitor().Len())
	assert.Empty(t, ts.Consumers())

	alive, err := c.IsAlive(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)
	assert.ErrorIs(t, c.Receive("late", func(*dispatch.Context) error { return nil }), errspkg.ErrConsumerDisposed)
	assert.ErrorIs(t, c.Rescue(context.Background()), errspkg.ErrConsumerDisposed)
}

func TestReceiveWithdrawsMessagePoppedAfterShutdown(t *testing.T) {
	ts := newTestService(t)
	c, err := ts.NewConsumer("Q", ConsumerOptions{})
	require.NoError(t, err)
	var calls atomic.Int32
	c.handlers = []dispatch.Handler{{Name: "h", Fn: func(*dispatch.Context) error {
		calls.Add(1)
		return nil
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	payload, err := codec.Encode(&codec.Envelope{ID: "01J0000000000000000000000", Queue: "Q", Payload: []byte(`{}`)})
	require.NoError(t, err)
	state := c.receive(ctx, payload)

	assert.Equal(t, provider.StateWithdraw, state)
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(1), c.Stats().Withdrawn)
}

func TestRescueRespawnsDeadWorkers(t *testing.T) {
	var scripted *scriptedRegistry
	ts := newTestService(t, func(cfg *configpkg.Config, deps *ServiceDependencies) {
		scripted = newScriptedRegistry(deps.MemoryStore)
		withScripted(scripted)(cfg, deps)
	})

	c, err := ts.NewConsumer("Q", ConsumerOptions{Threads: 2})
	require.NoError(t, err)

	scripted.dequeuePanics.Store(true)
	require.NoError(t, c.Receive("h", func(*dispatch.Context) error { return nil }))
	require.Eventually(t, func() bool {
		alive, _ := c.IsAlive(context.Background())
		return !alive && c.Stats().WorkersAlive == 0
	}, waitFor, tick)

	scripted.dequeuePanics.Store(false)
	status := ts.Monitor().Diagnose(context.Background())
	assert.Equal(t, 1, status.DiagnosedDead)
	assert.Equal(t, 1, status.Rescued)
	assert.Equal(t, 1, status.ConsumerTotal)

	require.Eventually(t, func() bool { return c.Stats().WorkersAlive == 2 }, waitFor, tick)
	assert.Equal(t, int64(2), c.Stats().Restarts)
	assert.Equal(t, float64(2), testutil.ToFloat64(ts.metrics.workerRestarts.WithLabelValues("Q")))

	status = ts.Monitor().Diagnose(context.Background())
	assert.Equal(t, 1, status.DiagnosedAlive)
	assert.Equal(t, 0, status.Rescued)
}

func TestWorkerRetriesProviderBuild(t *testing.T) {
	var scripted *scriptedRegistry
	ts := newTestService(t, func(cfg *configpkg.Config, deps *ServiceDependencies) {
		scripted = newScriptedRegistry(deps.MemoryStore)
		withScripted(scripted)(cfg, deps)
	})

	c, err := ts.NewConsumer("Q", ConsumerOptions{})
	require.NoError(t, err)

	scripted.failBuilds.Store(true)
	delivered := make(chan string, 1)
	require.NoError(t, ReceiveJSON(c, "h", func(_ *dispatch.Context, msg *string) error {
		delivered <- *msg
		return nil
	}))
	require.Eventually(t, func() bool { return scripted.builds.Load() >= 4 }, waitFor, tick)

	alive, err := c.IsAlive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, 1, c.Stats().WorkersAlive)

	require.NoError(t, ts.NewProducer(ProducerOptions{}).Send(context.Background(), "after outage", WithQueue("Q")))
	scripted.failBuilds.Store(false)

	select {
	case msg := <-delivered:
		assert.Equal(t, "after outage", msg)
	case <-time.After(waitFor):
		t.Fatal("message not delivered after provider recovered")
	}
	assert.Zero(t, c.Stats().Restarts)
	require.Eventually(t, func() bool { return ts.store.ProcessingLen("Q", testHost) == 0 }, waitFor, tick)
}

func TestWorkerPanicMarksWorkerDead(t *testing.T) {
	log := &recordingLogger{}
	scripted := newScriptedRegistry(memory.NewStore())
	scripted.dequeuePanics.Store(true)

	cfg := testConfig()
	cfg.Provider = "scripted"
	svc, err := NewService(cfg, log, context.Background(), ServiceDependencies{
		Providers:  scripted.registry,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	c, err := svc.NewConsumer("Q", ConsumerOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Receive("h", func(*dispatch.Context) error { return nil }))

	require.Eventually(t, func() bool {
		_, ok := log.find("Worker panicked")
		return ok
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		alive, _ := c.IsAlive(context.Background())
		return !alive
	}, waitFor, tick)

	scripted.dequeuePanics.Store(false)
	require.NoError(t, c.Rescue(context.Background()))
	require.Eventually(t, func() bool {
		alive, _ := c.IsAlive(context.Background())
		return alive
	}, waitFor, tick)
}

func TestUndecodableMessageIsAcknowledged(t *testing.T) {
	ts := newTestService(t)
	require.NoError(t, ts.producer.Enqueue(context.Background(), "Q", []byte("not an envelope")))

	c, err := ts.NewConsumer("Q", ConsumerOptions{})
	require.NoError(t, err)
	var called atomic.Bool
	require.NoError(t, c.Receive("h", func(*dispatch.Context) error {
		called.Store(true)
		return nil
	}))

	require.Eventually(t, func() bool { return c.Stats().Undecodable == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return ts.store.ProcessingLen("Q", testHost) == 0 }, waitFor, tick)
	assert.False(t, called.Load())
}

func TestRestartRecoversMessagesOfPreviousRun(t *testing.T) {
	store := memory.NewStore()
	share := func(_ *configpkg.Config, deps *ServiceDependencies) { deps.MemoryStore = store }

	first := newTestService(t, share)
	c1, err := first.NewConsumer("Q", ConsumerOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, c1.Receive("stuck", func(dc *dispatch.Context) error {
		<-dc.Context().Done()
		return nil
	}))
	require.NoError(t, first.NewProducer(ProducerOptions{}).Send(context.Background(), "payload", WithQueue("Q")))
	require.Eventually(t, func() bool { return c1.Stats().TimedOut == 1 }, waitFor, tick)
	c1.Dispose()
	require.Equal(t, 1, store.ProcessingLen("Q", testHost))

	second := newTestService(t, share)
	c2, err := second.NewConsumer("Q", ConsumerOptions{})
	require.NoError(t, err)
	got := make(chan string, 1)
	require.NoError(t, ReceiveJSON(c2, "h", func(_ *dispatch.Context, msg *string) error {
		got <- *msg
		return nil
	}))

	select {
	case msg := <-got:
		assert.Equal(t, "payload", msg)
	case <-time.After(waitFor):
		t.Fatal("recovered message not delivered")
	}
	require.Eventually(t, func() bool { return store.ProcessingLen("Q", testHost) == 0 }, waitFor, tick)
}

func TestLoggingHooksAreMergedByDefault(t *testing.T) {
	log := &recordingLogger{}
	svc, err := NewService(testConfig(), log, context.Background(), ServiceDependencies{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	c, err := svc.NewConsumer("Q", ConsumerOptions{Name: "orders"})
	require.NoError(t, err)
	require.NoError(t, c.Receive("fails", func(*dispatch.Context) error { return errors.New("nope") }))
	require.NoError(t, svc.NewProducer(ProducerOptions{}).Send(context.Background(), "x", WithQueue("Q")))

	require.Eventually(t, func() bool {
		_, ok := log.find("Message handlers failed")
		return ok
	}, waitFor, tick)
	entry, _ := log.find("Message handlers failed")
	assert.Equal(t, "orders", entry.fields["consumer"])
	assert.Equal(t, "Q", entry.fields["queue"])
	assert.Equal(t, 1, entry.fields["failed_handlers"])
}

var _ loggingpkg.ServiceLogger = (*recordingLogger)(nil)
