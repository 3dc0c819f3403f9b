// Package health audits registered consumers on a timer and rescues the
// ones found dead.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
)

// DefaultInterval is the time between diagnose passes.
const DefaultInterval = 5 * time.Minute

// Target is a consumer the monitor can audit. Implementations must be
// comparable, typically a pointer.
type Target interface {
	Name() string
	IsAlive(ctx context.Context) (bool, error)
	Rescue(ctx context.Context) error
}

// Status is the snapshot produced by one diagnose pass.
type Status struct {
	DiagnosedAlive int    `json:"DiagnosedAlive"`
	DiagnosedDead  int    `json:"DiagnosedDead"`
	Rescued        int    `json:"Rescued"`
	TotalAlive     int    `json:"TotalAlive"`
	ConsumerTotal  int    `json:"ConsumerTotal"`
	DiagnoseAt     string `json:"DiagnoseAt"`
}

// Monitor is the process wide consumer registry and timer.
type Monitor struct {
	interval time.Duration
	logger   loggingpkg.ServiceLogger
	metrics  *Metrics

	mu      sync.Mutex
	order   []Target
	members map[Target]struct{}

	diagnoseMu sync.Mutex
	last       atomic.Pointer[Status]

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithInterval sets the time between passes.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics exports each snapshot through metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// NewMonitor creates an idle monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		interval: DefaultInterval,
		members:  make(map[Target]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = loggingpkg.NewNopServiceLogger()
	}
	m.logger = loggingpkg.Component(m.logger, "health")
	return m
}

// Interval returns the time between passes.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Register adds t. It reports false when t is nil or already registered.
func (m *Monitor) Register(t Target) bool {
	if t == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[t]; ok {
		return false
	}
	m.members[t] = struct{}{}
	m.order = append(m.order, t)
	return true
}

// Unregister removes t and reports whether it was registered.
func (m *Monitor) Unregister(t Target) bool {
	if t == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[t]; !ok {
		return false
	}
	delete(m.members, t)
	for i, existing := range m.order {
		if existing == t {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered targets.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *Monitor) snapshot() []Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Target(nil), m.order...)
}

// Last returns the most recent snapshot, or nil before the first pass.
func (m *Monitor) Last() *Status {
	return m.last.Load()
}

// Diagnose runs one pass. Passes never overlap. A target whose IsAlive
// fails or panics counts as dead; a failing Rescue is logged and the pass
// continues.
func (m *Monitor) Diagnose(ctx context.Context) Status {
	m.diagnoseMu.Lock()
	defer m.diagnoseMu.Unlock()

	targets := m.snapshot()
	status := Status{ConsumerTotal: len(targets)}

	var dead []Target
	for _, t := range targets {
		alive, err := m.isAlive(ctx, t)
		if err != nil {
			m.logger.Error("Liveness check failed", err, loggingpkg.LogFields{"consumer": t.Name()})
		}
		if alive && err == nil {
			status.DiagnosedAlive++
			continue
		}
		dead = append(dead, t)
	}
	status.DiagnosedDead = len(dead)

	for _, t := range dead {
		if err := m.rescue(ctx, t); err != nil {
			m.logger.Error("Rescue failed", err, loggingpkg.LogFields{"consumer": t.Name()})
			m.metrics.rescueFailed()
			continue
		}
		m.logger.Info("Consumer rescued", loggingpkg.LogFields{"consumer": t.Name()})
		status.Rescued++
	}

	status.TotalAlive = status.DiagnosedAlive + status.Rescued
	status.DiagnoseAt = time.Now().UTC().Format(time.RFC3339Nano)

	m.last.Store(&status)
	m.metrics.observe(status)
	m.logger.Info("Health diagnosed", loggingpkg.LogFields{
		"DiagnosedAlive": status.DiagnosedAlive,
		"DiagnosedDead":  status.DiagnosedDead,
		"Rescued":        status.Rescued,
		"TotalAlive":     status.TotalAlive,
		"ConsumerTotal":  status.ConsumerTotal,
		"DiagnoseAt":     status.DiagnoseAt,
	})
	return status
}

func (m *Monitor) isAlive(ctx context.Context, t Target) (alive bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			alive, err = false, fmt.Errorf("dqueue: IsAlive panicked: %v", r)
		}
	}()
	return t.IsAlive(ctx)
}

func (m *Monitor) rescue(ctx context.Context, t Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dqueue: Rescue panicked: %v", r)
		}
	}()
	return t.Rescue(ctx)
}

// Start runs Diagnose every interval until ctx ends or Stop is called.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Diagnose(runCtx)
			}
		}
	}()
	m.logger.Debug("Health monitor started", loggingpkg.LogFields{"interval": m.interval.String()})
}

// Stop halts the timer and waits for a running pass to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Metrics exports health snapshots to Prometheus.
type Metrics struct {
	mu             sync.Mutex
	consumers      *prometheus.GaugeVec
	diagnoses      prometheus.Counter
	rescueFailures prometheus.Counter
	registerer     prometheus.Registerer
	registered     bool
}

// NewMetrics creates the health collectors. A nil registerer uses the
// default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		consumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dqueue",
			Subsystem: "health",
			Name:      "consumers",
			Help:      "Consumers per state in the last diagnose pass",
		}, []string{"state"}),
		diagnoses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dqueue",
			Subsystem: "health",
			Name:      "diagnoses_total",
			Help:      "Total number of diagnose passes",
		}),
		rescueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dqueue",
			Subsystem: "health",
			Name:      "rescue_failures_total",
			Help:      "Total number of failed rescue attempts",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	var err error
	if m.consumers, err = registerCollector(m.registerer, m.consumers); err != nil {
		return err
	}
	if m.diagnoses, err = registerCollector(m.registerer, m.diagnoses); err != nil {
		return err
	}
	if m.rescueFailures, err = registerCollector(m.registerer, m.rescueFailures); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// registerCollector registers c or returns the collector already
// registered under the same descriptor.
func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, c T) (T, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return c, err
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return c, err
	}
	return existing, nil
}

func (m *Metrics) observe(s Status) {
	if m == nil {
		return
	}
	m.diagnoses.Inc()
	m.consumers.WithLabelValues("alive").Set(float64(s.DiagnosedAlive))
	m.consumers.WithLabelValues("dead").Set(float64(s.DiagnosedDead))
	m.consumers.WithLabelValues("rescued").Set(float64(s.Rescued))
	m.consumers.WithLabelValues("total_alive").Set(float64(s.TotalAlive))
	m.consumers.WithLabelValues("total").Set(float64(s.ConsumerTotal))
}

func (m *Metrics) rescueFailed() {
	if m == nil {
		return
	}
	m.rescueFailures.Inc()
}
