package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncMetrics holds the Prometheus collectors for the Conta Azul integration.
type SyncMetrics struct {
	SyncRuns         *prometheus.CounterVec
	SyncRecords      *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	PagesFetched     *prometheus.CounterVec
	ReporterFailures *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
}

// NewSyncMetrics creates the collectors and registers them with registerer.
// A nil registerer yields unregistered collectors, which is what tests want.
func NewSyncMetrics(registerer prometheus.Registerer) *SyncMetrics {
	factory := promauto.With(registerer)
	return &SyncMetrics{
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigelo",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of sync runs by resource and final status.",
		}, []string{"resource", "status"}), // status: success, error
		SyncRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigelo",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Total number of remote records upserted by resource.",
		}, []string{"resource"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sigelo",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"resource"}),
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigelo",
			Subsystem: "contaazul",
			Name:      "pages_fetched_total",
			Help:      "Total number of remote pages fetched by resource.",
		}, []string{"resource"}),
		ReporterFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigelo",
			Subsystem: "reporter",
			Name:      "failures_total",
			Help:      "Failures while reporting a successful sync, by stage.",
		}, []string{"stage"}), // stage: audit, invalidate
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigelo",
			Subsystem: "contaazul",
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by status.",
		}, []string{"status"}),
	}
}

// Nop returns collectors that are not registered anywhere.
func Nop() *SyncMetrics {
	return NewSyncMetrics(nil)
}
