package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/dqueue/internal/runtime/config"
	"github.com/drblury/dqueue/internal/runtime/coordinator"
	errspkg "github.com/drblury/dqueue/internal/runtime/errors"
	"github.com/drblury/dqueue/internal/runtime/health"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
	"github.com/drblury/dqueue/provider"
	"github.com/drblury/dqueue/provider/memory"
	"github.com/drblury/dqueue/provider/providers"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	// Providers resolves Config.Provider. Defaults to every built-in backend.
	Providers *provider.Registry
	// MemoryStore backs the memory provider of the default registry.
	MemoryStore *memory.Store
	// Registerer receives the Prometheus collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
	// Gatherer is served on /metrics. Defaults to Registerer when it is a
	// *prometheus.Registry, otherwise the global gatherer.
	Gatherer prometheus.Gatherer
}

// Service wires the provider, the coordinator registry, the health monitor
// and the consumers and producers built on them.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc

	builder      provider.Builder
	providerDeps provider.Dependencies
	producer     provider.Provider
	coordinators *coordinator.Registry
	monitor      *health.Monitor
	metrics      *Metrics
	gatherer     prometheus.Gatherer

	consumers   []*Consumer
	consumersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	stopErr   error
}

// NewService validates conf, resolves the configured provider once and
// builds the provider used by producers. An unknown or unreachable provider
// is reported as *errors.StartupError.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.NewValidationError("config", errspkg.ErrConfigRequired)
	}
	if log == nil {
		return nil, errspkg.NewValidationError("logger", errspkg.ErrLoggerRequired)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating queue service",
		loggingpkg.LogFields{
			"provider": cfg.Provider,
			"host":     cfg.HostID,
			"config":   cfg.String(),
		})

	registry := deps.Providers
	if registry == nil {
		registry = providers.NewRegistry(deps.MemoryStore)
	}
	builder, err := registry.Lookup(cfg.Provider)
	if err != nil {
		return nil, &errspkg.StartupError{Provider: cfg.Provider, Err: err}
	}

	rootCtx, cancel := context.WithCancel(ctx)
	s := &Service{
		Conf:    &cfg,
		Logger:  log,
		ctx:     rootCtx,
		cancel:  cancel,
		builder: builder,
		metrics: NewMetrics(deps.Registerer),
	}
	s.gatherer = resolveGatherer(deps)

	healthMetrics := health.NewMetrics(deps.Registerer)
	for _, register := range []func() error{s.metrics.Register, healthMetrics.Register} {
		if err := register(); err != nil {
			cancel()
			return nil, fmt.Errorf("dqueue: register metrics: %w", err)
		}
	}

	s.coordinators = coordinator.NewRegistry(rootCtx,
		coordinator.WithGracePeriod(cfg.CancelGracePeriod),
		coordinator.WithLogger(log),
	)
	s.monitor = health.NewMonitor(
		health.WithInterval(cfg.HealthInterval),
		health.WithLogger(log),
		health.WithMetrics(healthMetrics),
	)
	s.providerDeps = provider.Dependencies{
		Coordinators: s.coordinators,
		Logger:       loggingpkg.NewWatermillAdapter(log),
	}

	s.producer, err = s.newProvider(rootCtx)
	if err != nil {
		cancel()
		return nil, &errspkg.StartupError{Provider: cfg.Provider, Err: err}
	}
	return s, nil
}

func resolveGatherer(deps ServiceDependencies) prometheus.Gatherer {
	if deps.Gatherer != nil {
		return deps.Gatherer
	}
	if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

func (s *Service) newProvider(ctx context.Context) (provider.Provider, error) {
	return s.builder(ctx, s.Conf, s.providerDeps)
}

// Context returns the root scope. It ends when the service stops or the
// context passed to NewService is cancelled.
func (s *Service) Context() context.Context { return s.ctx }

// Coordinators returns the process scoped coordinator registry.
func (s *Service) Coordinators() *coordinator.Registry { return s.coordinators }

// Monitor returns the consumer health monitor.
func (s *Service) Monitor() *health.Monitor { return s.monitor }

// Metrics returns the Prometheus collectors.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Consumers returns the live consumers in creation order.
func (s *Service) Consumers() []*Consumer {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	return slices.Clone(s.consumers)
}

func (s *Service) addConsumer(c *Consumer) error {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	if s.ctx.Err() != nil {
		return errspkg.ErrServiceStopped
	}
	s.consumers = append(s.consumers, c)
	s.monitor.Register(c)
	return nil
}

func (s *Service) removeConsumer(c *Consumer) {
	s.monitor.Unregister(c)
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	s.consumers = slices.DeleteFunc(s.consumers, func(other *Consumer) bool { return other == c })
}

// Start launches the health monitor and the HTTP servers. It does not block.
// Calling Start more than once returns the result of the first call.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		if s.ctx.Err() != nil {
			s.startErr = errspkg.ErrServiceStopped
			return
		}
		s.monitor.Start(s.ctx)
		s.StartWebUIServer()
		s.startMetricsServer()
		s.startErr = s.startHTTPServers(ctx)
	})
	return s.startErr
}

// Stop disposes every consumer, runs the cancel chains of all coordinators
// (which requeue unacknowledged messages), stops the monitor and HTTP
// servers and closes the producer provider. ctx bounds the wait.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.Logger.Info("Stopping queue service", nil)
		var errs []error

		disposed := make(chan struct{})
		go func() {
			defer close(disposed)
			for _, c := range s.Consumers() {
				c.Dispose()
			}
		}()
		select {
		case <-disposed:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("dqueue: dispose consumers: %w", ctx.Err()))
		}

		if err := s.coordinators.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.cancel()
		s.monitor.Stop()
		errs = append(errs, s.stopHTTPServers(ctx))
		if err := s.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dqueue: close provider: %w", err))
		}
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}

// RegisterHTTPHandler mounts handler on the server listening on port.
// Handlers must be registered before Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startMetricsServer() {
	if !s.Conf.MetricsEnabled {
		return
	}
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

var listen = func(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

func (s *Service) startHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := listen(ctx, addr)
		if err != nil {
			return fmt.Errorf("dqueue: listen on %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": ln.Addr().String()})
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": ln.Addr().String()})
			}
		}(srv, ln)
	}
	return nil
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dqueue: shutdown http server: %w", err))
		}
	}
	return errors.Join(errs...)
}
