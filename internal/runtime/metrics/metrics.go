// Package metrics holds the Prometheus collectors for the kernel. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/ids"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "unitkernel"

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomePanicked = "panicked"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Metrics tracks bus, lifecycle, watchdog, scheduler and governance activity.
type Metrics struct {
	mu sync.Mutex

	published          *prometheus.CounterVec
	handlerFailures    *prometheus.CounterVec
	requests           *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	flooding           *prometheus.CounterVec
	unitStarts         *prometheus.CounterVec
	unitStartSeconds   *prometheus.HistogramVec
	runningUnits       prometheus.Gauge
	restarts           *prometheus.CounterVec
	tasks              *prometheus.CounterVec
	lateTasks          prometheus.Counter
	queueDepth         prometheus.Gauge
	overBudget         *prometheus.CounterVec
	storagePercent     prometheus.Gauge
	workerErrors       *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the collectors. A nil registerer falls back to the default
// Prometheus registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:         registerer,
		published:          newCounterVec("bus", "published_total", "Messages published on the bus", "topic"),
		handlerFailures:    newCounterVec("bus", "handler_failures_total", "Subscriber errors and panics isolated during delivery", "topic"),
		requests:           newCounterVec("bus", "requests_total", "Request/reply exchanges by outcome", "topic", "outcome"),
		validationFailures: newCounterVec("bus", "validation_failures_total", "Payloads rejected by the validator", "topic"),
		flooding:           newCounterVec("bus", "throttled_total", "Emissions beyond the per-topic rate ceiling", "topic"),
		unitStarts:         newCounterVec("lifecycle", "starts_total", "Unit start attempts by outcome", "unit", "outcome"),
		unitStartSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "start_duration_seconds",
			Help:      "Time spent constructing and initialising a unit",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"unit"}),
		runningUnits:   newGauge("lifecycle", "running_units", "Units currently running"),
		restarts:       newCounterVec("watchdog", "restarts_total", "Restarts requested for unresponsive units", "unit"),
		tasks:          newCounterVec("scheduler", "tasks_total", "Scheduled tasks executed by outcome", "outcome"),
		lateTasks:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "scheduler", Name: "late_starts_total", Help: "Tasks started after their advisory deadline"}),
		queueDepth:     newGauge("scheduler", "queue_depth", "Tasks waiting to run"),
		overBudget:     newCounterVec("governance", "overbudget_total", "Governance cycles in which a unit exceeded its budget", "unit"),
		storagePercent: newGauge("governance", "storage_usage_percent", "Last observed storage usage as a percentage of quota"),
		workerErrors:   newCounterVec("workers", "errors_total", "Failed or panicked worker jobs", "worker"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.published, m.handlerFailures, m.requests, m.validationFailures, m.flooding,
		m.unitStarts, m.unitStartSeconds, m.runningUnits, m.restarts,
		m.tasks, m.lateTasks, m.queueDepth,
		m.overBudget, m.storagePercent, m.workerErrors,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Reply topics are folded into their base topic to keep label cardinality
// bounded.
func topicLabel(topic string) string { return ids.BaseTopic(topic) }

func (m *Metrics) Published(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topicLabel(topic)).Inc()
}

func (m *Metrics) HandlerFailed(topic string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(topicLabel(topic)).Inc()
}

func (m *Metrics) Request(topic, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(topicLabel(topic), outcome).Inc()
}

func (m *Metrics) ValidationFailed(topic string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(topicLabel(topic)).Inc()
}

func (m *Metrics) Throttled(topic string) {
	if m == nil {
		return
	}
	m.flooding.WithLabelValues(topicLabel(topic)).Inc()
}

// UnitStart records one start attempt and how long it took.
func (m *Metrics) UnitStart(unit, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.unitStarts.WithLabelValues(unit, outcome).Inc()
	m.unitStartSeconds.WithLabelValues(unit).Observe(elapsed.Seconds())
}

func (m *Metrics) RunningUnits(n int) {
	if m == nil {
		return
	}
	m.runningUnits.Set(float64(n))
}

func (m *Metrics) Restart(unit string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(unit).Inc()
}

func (m *Metrics) Task(outcome string, late bool) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
	if late {
		m.lateTasks.Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) OverBudget(unit string) {
	if m == nil {
		return
	}
	m.overBudget.WithLabelValues(unit).Inc()
}

func (m *Metrics) StoragePercent(p float64) {
	if m == nil {
		return
	}
	m.storagePercent.Set(p)
}

func (m *Metrics) WorkerError(worker string) {
	if m == nil {
		return
	}
	m.workerErrors.WithLabelValues(worker).Inc()
}
