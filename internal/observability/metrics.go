package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth    prometheus.Gauge
	enqueueTotal  prometheus.Counter
	claimTotal    *prometheus.CounterVec
	ackTotal      *prometheus.CounterVec
	nackTotal     prometheus.Counter
	leaseExpired  prometheus.Counter
	deadLettered  prometheus.Counter

	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runSteps    prometheus.Histogram

	eventAppendTotal *prometheus.CounterVec
	subscribers      prometheus.Gauge

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	activeWorkers prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "strand_queue_depth",
					Help: "Jobs currently queued or leased.",
				},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "strand_enqueue_total",
					Help: "Total jobs enqueued.",
				},
			),
			claimTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "strand_claim_total",
					Help: "Total job claims by kind (fresh, reclaimed).",
				},
				[]string{"kind"},
			),
			ackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "strand_ack_total",
					Help: "Total job acknowledgements by terminal status.",
				},
				[]string{"status"},
			),
			nackTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "strand_nack_total",
					Help: "Total job redelivery requests.",
				},
			),
			leaseExpired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "strand_lease_expired_total",
					Help: "Total leases that expired and became reclaimable.",
				},
			),
			deadLettered: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "strand_dead_letter_total",
					Help: "Total jobs moved to the dead-letter state.",
				},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "strand_run_total",
					Help: "Total agent runs by terminal status.",
				},
				[]string{"status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "strand_run_duration_seconds",
					Help:    "Agent run duration in seconds by terminal status.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			runSteps: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "strand_run_steps",
					Help:    "Loop iterations per run.",
					Buckets: []float64{1, 2, 4, 8, 16, 24, 32, 48, 64},
				},
			),
			eventAppendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "strand_event_append_total",
					Help: "Total run events appended by kind.",
				},
				[]string{"kind"},
			),
			subscribers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "strand_event_subscribers",
					Help: "Active event stream subscribers.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "strand_model_call_total",
					Help: "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "strand_model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "strand_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "strand_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			activeWorkers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "strand_active_workers",
					Help: "Workers currently driving a run.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.claimTotal,
			m.ackTotal,
			m.nackTotal,
			m.leaseExpired,
			m.deadLettered,
			m.runTotal,
			m.runDuration,
			m.runSteps,
			m.eventAppendTotal,
			m.subscribers,
			m.modelCallTotal,
			m.modelCallDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.activeWorkers,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

func RecordEnqueue() {
	getMetrics().enqueueTotal.Inc()
}

func RecordClaim(reclaimed bool) {
	kind := "fresh"
	if reclaimed {
		kind = "reclaimed"
	}
	getMetrics().claimTotal.WithLabelValues(kind).Inc()
}

func RecordAck(status string) {
	getMetrics().ackTotal.WithLabelValues(status).Inc()
}

func RecordNack() {
	getMetrics().nackTotal.Inc()
}

func RecordLeaseExpired() {
	getMetrics().leaseExpired.Inc()
}

func RecordDeadLetter() {
	getMetrics().deadLettered.Inc()
}

func RecordRun(status string, duration time.Duration, steps int) {
	m := getMetrics()
	m.runTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.runSteps.Observe(float64(steps))
}

func RecordEventAppend(kind string) {
	getMetrics().eventAppendTotal.WithLabelValues(kind).Inc()
}

func SetSubscribers(count int) {
	getMetrics().subscribers.Set(float64(count))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func AddActiveWorkers(delta int) {
	getMetrics().activeWorkers.Add(float64(delta))
}
