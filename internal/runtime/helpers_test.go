package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/dqueue/internal/runtime/config"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
	"github.com/drblury/dqueue/provider"
	"github.com/drblury/dqueue/provider/memory"
)

const testHost = "host-1"

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		HostID:               testHost,
		Provider:             configpkg.ProviderMemory,
		PollInterval:         20 * time.Millisecond,
		CancelGracePeriod:    time.Millisecond,
		RetryMaxRetries:      1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     time.Millisecond,
	}
}

type testService struct {
	*Service
	store    *memory.Store
	registry *prometheus.Registry
}

func newTestService(t *testing.T, mutate ...func(*configpkg.Config, *ServiceDependencies)) *testService {
	t.Helper()
	store := memory.NewStore()
	registry := prometheus.NewRegistry()
	cfg := testConfig()
	deps := ServiceDependencies{MemoryStore: store, Registerer: registry}
	for _, m := range mutate {
		m(cfg, &deps)
	}
	svc, err := NewService(cfg, loggingpkg.NewNopServiceLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &testService{Service: svc, store: store, registry: registry}
}

// recordingLogger captures entries across With children.
type recordingLogger struct {
	parent *recordingLogger
	fields loggingpkg.LogFields

	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

func (l *recordingLogger) root() *recordingLogger {
	if l.parent != nil {
		return l.parent.root()
	}
	return l
}

func (l *recordingLogger) add(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r := l.root()
	r.mu.Lock()
	r.entries = append(r.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
	r.mu.Unlock()
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{parent: l.root(), fields: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.add("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.add("info", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.add("error", msg, err, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.add("trace", msg, nil, fields)
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	r := l.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// scriptedProvider wraps a memory provider and can fail on demand.
type scriptedProvider struct {
	provider.Provider
	enqueueErr    error
	dequeuePanics *atomic.Bool
}

func (p *scriptedProvider) Enqueue(ctx context.Context, queue string, message []byte) error {
	if p.enqueueErr != nil {
		return p.enqueueErr
	}
	return p.Provider.Enqueue(ctx, queue, message)
}

func (p *scriptedProvider) Dequeue(ctx context.Context, queue string, receive provider.ReceiveFunc) error {
	if p.dequeuePanics != nil && p.dequeuePanics.Load() {
		panic("dequeue exploded")
	}
	return p.Provider.Dequeue(ctx, queue, receive)
}

// scriptedRegistry registers "scripted", a memory backed provider whose
// builds fail while failBuilds is set.
type scriptedRegistry struct {
	registry      *provider.Registry
	builds        atomic.Int64
	failBuilds    atomic.Bool
	dequeuePanics atomic.Bool
	enqueueErr    error
}

var errBuildRefused = errors.New("build refused")

func newScriptedRegistry(store *memory.Store) *scriptedRegistry {
	s := &scriptedRegistry{registry: provider.NewRegistry()}
	s.registry.Register("scripted", func(_ context.Context, cfg provider.Config, deps provider.Dependencies) (provider.Provider, error) {
		s.builds.Add(1)
		if s.failBuilds.Load() {
			return nil, errBuildRefused
		}
		inner, err := memory.New(store, cfg, deps)
		if err != nil {
			return nil, err
		}
		return &scriptedProvider{Provider: inner, enqueueErr: s.enqueueErr, dequeuePanics: &s.dequeuePanics}, nil
	}, provider.MemoryCapabilities)
	return s
}

func withScripted(s *scriptedRegistry) func(*configpkg.Config, *ServiceDependencies) {
	return func(cfg *configpkg.Config, deps *ServiceDependencies) {
		cfg.Provider = "scripted"
		deps.Providers = s.registry
	}
}
