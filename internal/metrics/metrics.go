// Package metrics provides Prometheus metrics for meshfetch.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all meshfetch metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	fetchMetricsOnce     sync.Once
	fetchMetricsInstance atomic.Pointer[FetchMetrics]
)

// FetchMetrics holds all Prometheus metrics for fetch requests.
type FetchMetrics struct {
	FetchesStarted   prometheus.Counter     // meshfetch_fetches_started_total
	FetchesCompleted *prometheus.CounterVec // meshfetch_fetches_completed_total{result,mode}
	FetchDuration    prometheus.Histogram   // meshfetch_fetch_duration_seconds
	ArchiveRestarts  prometheus.Counter     // meshfetch_archive_restarts_total

	Blocks *prometheus.CounterVec // meshfetch_blocks_total{outcome}

	BucketCopies    prometheus.Counter // meshfetch_bucket_copies_total
	BucketCopyBytes prometheus.Counter // meshfetch_bucket_copy_bytes_total

	QueuedJobs prometheus.GaugeFunc // meshfetch_scheduler_queued_jobs

	queueSource atomic.Pointer[func() int]
}

// InitFetchMetrics initializes fetch metrics on registry (Registry if nil).
// Metrics are only registered once; subsequent calls return the same instance.
func InitFetchMetrics(registry prometheus.Registerer) *FetchMetrics {
	fetchMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		fetchMetricsInstance.Store(newFetchMetrics(registry))
	})
	return fetchMetricsInstance.Load()
}

// GetFetchMetrics returns the singleton instance, or nil if metrics have not
// been initialized.
func GetFetchMetrics() *FetchMetrics {
	return fetchMetricsInstance.Load()
}

func newFetchMetrics(registry prometheus.Registerer) *FetchMetrics {
	factory := promauto.With(registry)
	m := &FetchMetrics{
		FetchesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfetch_fetches_started_total",
			Help: "Total fetch requests started",
		}),
		FetchesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfetch_fetches_completed_total",
			Help: "Total fetch requests completed by result and failure mode",
		}, []string{"result", "mode"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshfetch_fetch_duration_seconds",
			Help:    "Fetch duration from start to terminal outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		ArchiveRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfetch_archive_restarts_total",
			Help: "Total internal restarts caused by archive unpacking",
		}),
		Blocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfetch_blocks_total",
			Help: "Blocks accounted by outcome (succeeded, failed, fatal)",
		}, []string{"outcome"}),
		BucketCopies: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfetch_bucket_copies_total",
			Help: "Results copied because the destination bucket was not used",
		}),
		BucketCopyBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfetch_bucket_copy_bytes_total",
			Help: "Bytes copied into destination buckets",
		}),
	}
	m.QueuedJobs = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshfetch_scheduler_queued_jobs",
		Help: "Fetch jobs waiting for a scheduler worker",
	}, m.queuedJobs)
	return m
}

// SetQueueSource makes QueuedJobs report fn. Passing nil reports zero.
func (m *FetchMetrics) SetQueueSource(fn func() int) {
	if fn == nil {
		m.queueSource.Store(nil)
		return
	}
	m.queueSource.Store(&fn)
}

func (m *FetchMetrics) queuedJobs() float64 {
	fn := m.queueSource.Load()
	if fn == nil {
		return 0
	}
	return float64((*fn)())
}

// RecordSuccess records a successful fetch.
func (m *FetchMetrics) RecordSuccess(durationSeconds float64) {
	m.FetchesCompleted.WithLabelValues("success", "").Inc()
	m.FetchDuration.Observe(durationSeconds)
}

// RecordFailure records a failed fetch with its mode name.
func (m *FetchMetrics) RecordFailure(mode string, durationSeconds float64) {
	m.FetchesCompleted.WithLabelValues("failure", mode).Inc()
	m.FetchDuration.Observe(durationSeconds)
}

// RecordCopy records a copy into a destination bucket.
func (m *FetchMetrics) RecordCopy(bytes int64) {
	m.BucketCopies.Inc()
	m.BucketCopyBytes.Add(float64(bytes))
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
