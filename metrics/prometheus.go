package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 服务的全部 Prometheus 指标，nil *Metrics 可以使用但不记录任何数据
type Metrics struct {
	// HTTP
	Requests *prometheus.CounterVec

	// 音频存储
	CacheLookups *prometheus.CounterVec
	StoreBytes   prometheus.Gauge
	StoreEntries prometheus.Gauge
	Evictions    prometheus.Counter

	// 任务
	JobsStarted  prometheus.Counter
	JobsFinished *prometheus.CounterVec
	JobDuration  prometheus.Histogram
	JobWaiters   prometheus.Counter
	ActiveJobs   prometheus.Gauge

	// 外部进程
	ProcessRuns     *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	ProcessSlots    prometheus.Gauge
}

// NewMetrics 创建所有指标并注册到 reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tubefm_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tubefm_cache_lookups_total",
			Help: "Track store lookups by result (hit/miss)",
		}, []string{"result"}),
		StoreBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "tubefm_store_bytes",
			Help: "Total size of ready artifacts in the track store",
		}),
		StoreEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "tubefm_store_entries",
			Help: "Number of ready artifacts in the track store",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "tubefm_store_evictions_total",
			Help: "Artifacts removed by the eviction policy",
		}),

		JobsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "tubefm_jobs_started_total",
			Help: "Production jobs started",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tubefm_jobs_finished_total",
			Help: "Production jobs finished by stage and error kind",
		}, []string{"stage", "kind"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tubefm_job_duration_seconds",
			Help:    "Wall time of production jobs",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		}),
		JobWaiters: f.NewCounter(prometheus.CounterOpts{
			Name: "tubefm_job_waiters_total",
			Help: "Requests that joined an in-flight job instead of starting one",
		}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "tubefm_active_jobs",
			Help: "Jobs currently in the lock table",
		}),

		ProcessRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tubefm_process_runs_total",
			Help: "External process invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		ProcessDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tubefm_process_duration_seconds",
			Help:    "Wall time of external process invocations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"tool"}),
		ProcessSlots: f.NewGauge(prometheus.GaugeOpts{
			Name: "tubefm_process_slots_in_use",
			Help: "External processes currently holding a concurrency slot",
		}),
	}
}

func (m *Metrics) ObserveRequest(route, code string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) ObserveLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) SetStoreUsage(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.StoreBytes.Set(float64(bytes))
	m.StoreEntries.Set(float64(entries))
}

func (m *Metrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsStarted.Inc()
	m.ActiveJobs.Inc()
}

func (m *Metrics) JobFinished(stage, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
	m.JobsFinished.WithLabelValues(stage, kind).Inc()
	m.JobDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) WaiterJoined() {
	if m == nil {
		return
	}
	m.JobWaiters.Inc()
}

func (m *Metrics) ObserveProcess(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProcessRuns.WithLabelValues(tool, outcome).Inc()
	m.ProcessDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) ProcessSlotAcquired() {
	if m == nil {
		return
	}
	m.ProcessSlots.Inc()
}

func (m *Metrics) ProcessSlotReleased() {
	if m == nil {
		return
	}
	m.ProcessSlots.Dec()
}
