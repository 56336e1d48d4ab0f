package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes recorded by the worker pool.
const (
	JobSucceeded    = "succeeded"
	JobRequeued     = "requeued"
	JobDeadLettered = "dead_lettered"
	JobVoided       = "voided"
	JobReleased     = "released"
	JobDuplicate    = "duplicate"
)

// Notification outcomes recorded by the dispatcher.
const (
	NotificationEnqueued     = "enqueued"
	NotificationDeduplicated = "deduplicated"
	NotificationCoalesced    = "coalesced"
	NotificationDeferred     = "deferred"
	NotificationDelivered    = "delivered"
	NotificationFailed       = "failed"
	NotificationDeadLettered = "dead_lettered"
)

// Metrics holds all Prometheus collectors for the pipeline. Every helper is
// safe to call on a nil *Metrics so components can run without metrics.
type Metrics struct {
	JobsEnqueued       *prometheus.CounterVec
	JobOutcomes        *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	VerifierDuration   *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	WriteConflicts     prometheus.Counter
	StatusTransitions  *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
	OutboxDepth        prometheus.Gauge
	IngressRecords     *prometheus.CounterVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backcheck_jobs_enqueued_total",
			Help: "Verification jobs accepted by the queue, by component",
		}, []string{"component"}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backcheck_job_outcomes_total",
			Help: "Verification job outcomes, by component and outcome",
		}, []string{"component", "outcome"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "backcheck_queue_depth",
			Help: "Jobs waiting in the queue, including delayed jobs",
		}),
		VerifierDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backcheck_verifier_call_duration_seconds",
			Help:    "Verifier call latency, by component and outcome",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"component", "outcome"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backcheck_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backcheck_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by breaker and target state",
		}, []string{"breaker", "to"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backcheck_cache_lookups_total",
			Help: "Cache lookups, by backend and result",
		}, []string{"backend", "result"}),
		CacheInvalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backcheck_cache_invalidations_total",
			Help: "Cache keys invalidated, by backend",
		}, []string{"backend"}),
		WriteConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "backcheck_check_write_conflicts_total",
			Help: "Optimistic concurrency conflicts on check writes",
		}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backcheck_check_status_transitions_total",
			Help: "Persisted check status transitions, by target status",
		}, []string{"to"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backcheck_notifications_total",
			Help: "Notification envelopes, by channel and outcome",
		}, []string{"channel", "outcome"}),
		DeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backcheck_notification_delivery_duration_seconds",
			Help:    "Notification sink latency, by channel",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		OutboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "backcheck_outbox_pending",
			Help: "Notification envelopes waiting in the outbox",
		}),
		IngressRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backcheck_ingress_records_total",
			Help: "Ingress records consumed, by topic and outcome",
		}, []string{"topic", "outcome"}),
	}
}

func (m *Metrics) IncJobEnqueued(component string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(component).Inc()
}

func (m *Metrics) IncJobOutcome(component, outcome string) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(component, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveVerifierCall(component, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.VerifierDuration.WithLabelValues(component, outcome).Observe(d.Seconds())
}

// SetBreakerState records a breaker transition. state is the numeric value of
// the breaker's state and to its name.
func (m *Metrics) SetBreakerState(breaker string, state int, to string) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(breaker, to).Inc()
}

func (m *Metrics) IncCacheLookup(backend, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) AddCacheInvalidations(backend string, n int) {
	if m == nil {
		return
	}
	m.CacheInvalidations.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) IncWriteConflict() {
	if m == nil {
		return
	}
	m.WriteConflicts.Inc()
}

func (m *Metrics) IncStatusTransition(to string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ObserveDelivery(channel string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.OutboxDepth.Set(float64(n))
}

func (m *Metrics) IncIngress(topic, outcome string) {
	if m == nil {
		return
	}
	m.IngressRecords.WithLabelValues(topic, outcome).Inc()
}
