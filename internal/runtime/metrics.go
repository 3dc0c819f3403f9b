package runtime

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/dqueue/internal/runtime/dispatch"
)

// Metrics tracks producer and consumer throughput per queue.
type Metrics struct {
	mu sync.Mutex

	sentTotal       *prometheus.CounterVec
	dispatchedTotal *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	workersAlive    *prometheus.GaugeVec
	workerRestarts  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// newCounterVec creates a counter vec in the dqueue namespace.
func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dqueue",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dqueue",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dqueue",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses the default
// registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		sentTotal:       newCounterVec("producer", "messages_total", "Total number of messages handed to the provider", []string{"queue", "result"}),
		dispatchedTotal: newCounterVec("consumer", "messages_total", "Total number of dispatched messages by resolution", []string{"queue", "resolution"}),
		handlerErrors:   newCounterVec("consumer", "handler_errors_total", "Total number of handler failures", []string{"queue", "handler"}),
		dispatchSeconds: newHistogramVec("consumer", "dispatch_duration_seconds", "Time spent running every handler for one message", prometheus.DefBuckets, []string{"queue"}),
		workersAlive:    newGaugeVec("consumer", "workers_alive", "Workers currently running their dequeue loop", []string{"queue"}),
		workerRestarts:  newCounterVec("consumer", "worker_restarts_total", "Total number of workers respawned by a rescue", []string{"queue"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.sentTotal, err = registerCollector(m.registerer, m.sentTotal); err != nil {
		return err
	}
	if m.dispatchedTotal, err = registerCollector(m.registerer, m.dispatchedTotal); err != nil {
		return err
	}
	if m.handlerErrors, err = registerCollector(m.registerer, m.handlerErrors); err != nil {
		return err
	}
	if m.dispatchSeconds, err = registerCollector(m.registerer, m.dispatchSeconds); err != nil {
		return err
	}
	if m.workersAlive, err = registerCollector(m.registerer, m.workersAlive); err != nil {
		return err
	}
	if m.workerRestarts, err = registerCollector(m.registerer, m.workerRestarts); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// registerCollector registers c. When an equal collector is already
// registered the existing one is returned so every Metrics shares it.
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

// RecordSent counts one Send attempt.
func (m *Metrics) RecordSent(queue string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sentTotal.WithLabelValues(queue, result).Inc()
}

// RecordDispatch counts one resolved dispatch and its handler failures.
func (m *Metrics) RecordDispatch(queue string, result dispatch.Result) {
	if m == nil {
		return
	}
	m.dispatchedTotal.WithLabelValues(queue, result.Resolution.String()).Inc()
	m.dispatchSeconds.WithLabelValues(queue).Observe(result.Duration.Seconds())
	for _, err := range result.Errors {
		name := "unknown"
		var hErr *dispatch.HandlerError
		if errors.As(err, &hErr) && hErr.Name != "" {
			name = hErr.Name
		}
		m.handlerErrors.WithLabelValues(queue, name).Inc()
	}
}

func (m *Metrics) workerStarted(queue string) {
	if m == nil {
		return
	}
	m.workersAlive.WithLabelValues(queue).Inc()
}

func (m *Metrics) workerStopped(queue string) {
	if m == nil {
		return
	}
	m.workersAlive.WithLabelValues(queue).Dec()
}

func (m *Metrics) workerRestarted(queue string) {
	if m == nil {
		return
	}
	m.workerRestarts.WithLabelValues(queue).Inc()
}
