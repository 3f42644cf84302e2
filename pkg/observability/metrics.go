package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/pool"
)

const namespace = "renderd"

var (
	// Browser instance metrics
	InstancesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "instances_started_total",
			Help:      "Total number of browser instances launched",
		},
	)

	InstancesStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "instances_stopped_total",
			Help:      "Total number of browser instances stopped",
		},
		[]string{"reason"},
	)

	LaunchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "launch_failures_total",
			Help:      "Total number of failed browser launches",
		},
	)

	// Pool metrics
	LeasesGranted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "leases_granted_total",
			Help:      "Total number of context leases granted",
		},
	)

	LeaseWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for a context lease",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)

	LeaseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "lease_failures_total",
			Help:      "Total number of failed lease attempts",
		},
		[]string{"kind"},
	)

	ContextsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "contexts_discarded_total",
			Help:      "Total number of browsing contexts discarded instead of reused",
		},
		[]string{"reason"},
	)

	// Job metrics
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "submitted_total",
			Help:      "Total number of jobs submitted",
		},
	)

	JobsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "delivered_total",
			Help:      "Total number of jobs delivered, by outcome",
		},
		[]string{"outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Time from submission to delivery",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"outcome"},
	)

	JobAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "attempts",
			Help:      "Attempts needed per delivered job",
			Buckets:   prometheus.LinearBuckets(1, 1, 6),
		},
	)

	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single lease and execute attempt",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"outcome"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "retries_total",
			Help:      "Total number of retries scheduled, by failure kind",
		},
		[]string{"kind"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"route"},
	)
)

// OutcomeCompleted labels successful deliveries.
const OutcomeCompleted = "completed"

// Outcome returns the metric label for a delivered job.
func Outcome(kind job.Kind) string {
	if kind == "" {
		return OutcomeCompleted
	}
	return string(kind)
}

// Recorder forwards lifecycle events from the browser manager, session pool
// and dispatcher into the package metrics.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (*Recorder) InstanceStarted(string) {
	InstancesStarted.Inc()
}

func (*Recorder) InstanceStopped(_ string, reason string) {
	InstancesStopped.WithLabelValues(reason).Inc()
}

func (*Recorder) LaunchFailed(error) {
	LaunchFailures.Inc()
}

func (*Recorder) LeaseGranted(wait time.Duration) {
	LeasesGranted.Inc()
	LeaseWait.Observe(wait.Seconds())
}

func (*Recorder) LeaseFailed(kind job.Kind) {
	LeaseFailures.WithLabelValues(string(kind)).Inc()
}

func (*Recorder) ContextDiscarded(reason string) {
	ContextsDiscarded.WithLabelValues(reason).Inc()
}

func (*Recorder) JobSubmitted() {
	JobsSubmitted.Inc()
}

func (*Recorder) JobDelivered(kind job.Kind, attempts int, elapsed time.Duration) {
	outcome := Outcome(kind)
	JobsDelivered.WithLabelValues(outcome).Inc()
	JobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	JobAttempts.Observe(float64(attempts))
}

func (*Recorder) AttemptFinished(kind job.Kind, elapsed time.Duration) {
	AttemptDuration.WithLabelValues(Outcome(kind)).Observe(elapsed.Seconds())
}

func (*Recorder) RetryScheduled(kind job.Kind, _ time.Duration) {
	Retries.WithLabelValues(string(kind)).Inc()
}

var (
	_ browser.Observer = (*Recorder)(nil)
	_ pool.Observer    = (*Recorder)(nil)
)

// StatsCollector exposes pool and instance occupancy as gauges read at
// scrape time.
type StatsCollector struct {
	pool    *pool.Pool
	manager *browser.Manager

	capacity     *prometheus.Desc
	leased       *prometheus.Desc
	idle         *prometheus.Desc
	waiting      *prometheus.Desc
	instances    *prometheus.Desc
	openContexts *prometheus.Desc
	replacements *prometheus.Desc
}

// NewStatsCollector creates a collector; register it with prometheus.MustRegister.
func NewStatsCollector(p *pool.Pool, m *browser.Manager) *StatsCollector {
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &StatsCollector{
		pool:         p,
		manager:      m,
		capacity:     desc("pool", "capacity", "Maximum simultaneously leased contexts"),
		leased:       desc("pool", "leased", "Contexts currently leased"),
		idle:         desc("pool", "idle", "Contexts on the free list"),
		waiting:      desc("pool", "waiting", "Jobs waiting for a lease"),
		instances:    desc("browser", "instances", "Live browser instances"),
		openContexts: desc("browser", "open_contexts", "Open contexts across all instances"),
		replacements: desc("browser", "replacements", "Instances launched to replace failed or retired ones"),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.leased
	ch <- c.idle
	ch <- c.waiting
	ch <- c.instances
	ch <- c.openContexts
	ch <- c.replacements
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ps := c.pool.Stats()
	ms := c.manager.Stats()

	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(ps.Capacity))
	ch <- prometheus.MustNewConstMetric(c.leased, prometheus.GaugeValue, float64(ps.Leased))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(ps.Idle))
	ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(ps.Waiting))
	ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(ms.Instances))
	ch <- prometheus.MustNewConstMetric(c.openContexts, prometheus.GaugeValue, float64(ms.OpenContexts))
	ch <- prometheus.MustNewConstMetric(c.replacements, prometheus.CounterValue, float64(ms.Replacements))
}
