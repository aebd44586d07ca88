package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation outcomes used as label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// ExamsealMetrics holds the metrics the sealing service and daemon record.
// A nil *ExamsealMetrics is valid and records nothing.
type ExamsealMetrics struct {
	// Counters
	SealsTotal             *prometheus.CounterVec
	ReleasesTotal          *prometheus.CounterVec
	DecryptsTotal          *prometheus.CounterVec
	DownloadsTotal         prometheus.Counter
	VerificationsTotal     *prometheus.CounterVec
	IntegrityFailuresTotal prometheus.Counter
	ChainFailuresTotal     prometheus.Counter
	PermissionDeniedTotal  *prometheus.CounterVec
	SweepsTotal            prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec

	// Gauges
	PendingReleases prometheus.Gauge
	CatalogExams    prometheus.Gauge
	UptimeSeconds   prometheus.Gauge

	// Histograms
	ScrambleDuration  *prometheus.HistogramVec
	OperationDuration *prometheus.HistogramVec

	started time.Time
}

// NewExamsealMetrics creates and registers all examseal metrics on registry.
func NewExamsealMetrics(registry *Registry) *ExamsealMetrics {
	if registry == nil {
		registry = NewRegistry()
	}
	f := promauto.With(registry.Registerer())

	return &ExamsealMetrics{
		SealsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "seals_total",
			Help:      "Total number of exam papers sealed",
		}, []string{"result"}),
		ReleasesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "key_releases_total",
			Help:      "Total number of chaos key release attempts",
		}, []string{"result"}),
		DecryptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decrypts_total",
			Help:      "Total number of exam paper decryptions",
		}, []string{"result"}),
		DownloadsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "downloads_total",
			Help:      "Total number of scrambled package downloads",
		}),
		VerificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "verifications_total",
			Help:      "Total number of integrity and audit chain verifications",
		}, []string{"kind", "result"}),
		IntegrityFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "integrity_failures_total",
			Help:      "Total number of page integrity mismatches",
		}),
		ChainFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "chain_failures_total",
			Help:      "Total number of broken audit chain detections",
		}),
		PermissionDeniedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "permission_denied_total",
			Help:      "Total number of operations refused for the caller's role",
		}, []string{"operation"}),
		SweepsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "release_sweeps_total",
			Help:      "Total number of release readiness sweeps",
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of failed operations",
		}, []string{"operation"}),

		PendingReleases: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "pending_releases",
			Help:      "Exams due for release whose key is still withheld",
		}),
		CatalogExams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "catalog_exams",
			Help:      "Number of exams in the catalog",
		}),
		UptimeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics were created",
		}),

		ScrambleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "scramble_duration_seconds",
			Help:      "Time spent scrambling or unscrambling all pages of an exam",
			Buckets:   DurationBuckets,
		}, []string{"direction"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "End to end latency of sealing service operations",
			Buckets:   DurationBuckets,
		}, []string{"operation"}),

		started: time.Now(),
	}
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

// RecordSeal records one seal attempt.
func (m *ExamsealMetrics) RecordSeal(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.SealsTotal.WithLabelValues(result(ok)).Inc()
	m.OperationDuration.WithLabelValues("seal").Observe(d.Seconds())
	if !ok {
		m.ErrorsTotal.WithLabelValues("seal").Inc()
	}
}

// RecordRelease records one key release attempt.
func (m *ExamsealMetrics) RecordRelease(ok bool) {
	if m == nil {
		return
	}
	m.ReleasesTotal.WithLabelValues(result(ok)).Inc()
	if !ok {
		m.ErrorsTotal.WithLabelValues("release").Inc()
	}
}

// RecordDecrypt records one decrypt attempt.
func (m *ExamsealMetrics) RecordDecrypt(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.DecryptsTotal.WithLabelValues(result(ok)).Inc()
	m.OperationDuration.WithLabelValues("decrypt").Observe(d.Seconds())
	if !ok {
		m.ErrorsTotal.WithLabelValues("decrypt").Inc()
	}
}

// RecordDownload records a package handed to an exam center.
func (m *ExamsealMetrics) RecordDownload() {
	if m == nil {
		return
	}
	m.DownloadsTotal.Inc()
}

// RecordScramble observes the duration of a scramble or unscramble pass.
func (m *ExamsealMetrics) RecordScramble(direction string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScrambleDuration.WithLabelValues(direction).Observe(d.Seconds())
}

// RecordIntegrity records a page integrity check.
func (m *ExamsealMetrics) RecordIntegrity(ok bool) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues("integrity", result(ok)).Inc()
	if !ok {
		m.IntegrityFailuresTotal.Inc()
	}
}

// RecordChainVerification records an audit chain check.
func (m *ExamsealMetrics) RecordChainVerification(ok bool) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues("chain", result(ok)).Inc()
	if !ok {
		m.ChainFailuresTotal.Inc()
	}
}

// RecordPermissionDenied counts a refused operation.
func (m *ExamsealMetrics) RecordPermissionDenied(operation string) {
	if m == nil {
		return
	}
	m.PermissionDeniedTotal.WithLabelValues(operation).Inc()
}

// RecordError counts a failed operation not covered by a dedicated counter.
func (m *ExamsealMetrics) RecordError(operation string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordSweep records one release sweep and the backlog it left.
func (m *ExamsealMetrics) RecordSweep(pending, catalog int) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.PendingReleases.Set(float64(pending))
	m.CatalogExams.Set(float64(catalog))
}

// UpdateUptime refreshes the uptime gauge.
func (m *ExamsealMetrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.UptimeSeconds.Set(time.Since(m.started).Seconds())
}
