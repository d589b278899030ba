// Package metrics holds the Prometheus collectors of the sync pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "analytics_sync"

var (
	TokenExchanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_exchanges_total",
		Help:      "Client-credentials exchanges performed against the identity provider.",
	})

	TokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_cache_hits_total",
		Help:      "Token requests served from the in-memory cache.",
	})

	UpstreamQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_queries_total",
		Help:      "executeQueries calls by outcome.",
	}, []string{"outcome"})

	DaysProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "days_processed_total",
		Help:      "Days committed to a job checkpoint, by entity type.",
	}, []string{"entity_type"})

	RecordsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_upserted_total",
		Help:      "Destination records written, by entity type.",
	}, []string{"entity_type"})

	RecordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_skipped_total",
		Help:      "Rows dropped because they could not be mapped, by entity type.",
	}, []string{"entity_type"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Jobs reaching a terminal status.",
	}, []string{"status"})

	ScheduleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_evaluations_total",
		Help:      "Due schedule evaluations by outcome (enqueued, skipped, failed).",
	}, []string{"outcome"})

	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "drain_duration_seconds",
		Help:      "Wall time of queue drain invocations.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 240, 300},
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
