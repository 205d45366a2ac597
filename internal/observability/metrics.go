package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "festival_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for an ingestion run.
type Metrics struct {
	ItemsFetched      prometheus.Counter
	RecordsReconciled *prometheus.CounterVec // labels: outcome={inserted,updated,unchanged,skipped}
	TransformErrors   prometheus.Counter
	ItemFailures      prometheus.Counter
	RunInProgress     prometheus.Gauge
	RunDuration       prometheus.Histogram

	// Partition store metrics.
	PartitionWrites prometheus.Counter
	CorruptLines    prometheus.Counter

	// Downstream publishing metrics.
	ChangesPublished   prometheus.Counter
	PublishErrors      prometheus.Counter
	PartitionsMirrored prometheus.Counter
	MirrorErrors       prometheus.Counter

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ItemsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_fetched_total",
			Help:      "Total raw items read from the feed resource.",
		}),
		RecordsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_reconciled_total",
			Help:      "Records reconciled against their day partition, by outcome.",
		}, []string{"outcome"}),
		TransformErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_errors_total",
			Help:      "Total feed items that failed transformation.",
		}),
		ItemFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_failures_total",
			Help:      "Total feed items that failed transformation or reconciliation.",
		}),
		RunInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while an ingestion run is active, 0 otherwise.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete ingestion run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		PartitionWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_writes_total",
			Help:      "Total full rewrites of day partition files.",
		}),
		CorruptLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_corrupt_lines_total",
			Help:      "Stored partition lines skipped because they could not be parsed.",
		}),
		ChangesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_published_total",
			Help:      "Inserted or updated records published to the change topic.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Changes that could not be published.",
		}),
		PartitionsMirrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_mirrored_total",
			Help:      "Changed partitions uploaded to object storage.",
		}),
		MirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_errors_total",
			Help:      "Partition uploads that failed.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when geocoding enrichment is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ItemsFetched,
		m.RecordsReconciled,
		m.TransformErrors,
		m.ItemFailures,
		m.RunInProgress,
		m.RunDuration,
		m.PartitionWrites,
		m.CorruptLines,
		m.ChangesPublished,
		m.PublishErrors,
		m.PartitionsMirrored,
		m.MirrorErrors,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
