package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks engine-wide counters for monitoring.
type Metrics struct {
	PlacementsTotal    prometheus.Counter
	PlacementFailures  prometheus.Counter
	PlacementLatency   prometheus.Histogram
	AggregateConflict  *prometheus.GaugeVec
	MigrationsTotal    prometheus.Counter
	MigrationFailures  prometheus.Counter
	MovesTotal         prometheus.Counter
	ChallengesEmitted  prometheus.Counter
	SignalsDropped     prometheus.Counter
	DatasetsTracked    prometheus.Gauge
	DatasetsDegraded   prometheus.Gauge
	CatalogEntries     prometheus.Gauge
}

// New creates and registers the engine metrics. Pass nil to use the default
// registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		PlacementsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dispersal_placements_total",
			Help: "Total number of placement computations",
		}),
		PlacementFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dispersal_placement_failures_total",
			Help: "Total number of failed placement computations",
		}),
		PlacementLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "dispersal_placement_latency_seconds",
			Help:    "Placement computation latency",
			Buckets: prometheus.DefBuckets,
		}),
		AggregateConflict: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispersal_aggregate_conflict_score",
			Help: "Aggregate pairwise conflict score of the active placement",
		}, []string{"dataset_id"}),
		MigrationsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dispersal_migrations_total",
			Help: "Total number of completed migrations",
		}),
		MigrationFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dispersal_migration_failures_total",
			Help: "Total number of aborted migrations",
		}),
		MovesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dispersal_fragment_moves_total",
			Help: "Total number of completed fragment moves",
		}),
		ChallengesEmitted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dispersal_challenges_emitted_total",
			Help: "Total number of challenge requests emitted",
		}),
		SignalsDropped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "dispersal_signals_dropped_total",
			Help: "Total number of signals dropped for unknown datasets",
		}),
		DatasetsTracked: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "dispersal_datasets_tracked",
			Help: "Number of registered datasets",
		}),
		DatasetsDegraded: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "dispersal_datasets_degraded",
			Help: "Number of datasets in DEGRADED state",
		}),
		CatalogEntries: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "dispersal_catalog_entries",
			Help: "Number of jurisdictions in the active catalog",
		}),
	}
}

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
