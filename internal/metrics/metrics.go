// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradefed"

var (
	// HTTP surface
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// Artifact resolution
	LavaRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lava",
			Name:      "requests_total",
			Help:      "Requests issued to the LAVA server by status code",
		},
		[]string{"api", "status"},
	)

	ResolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lava",
			Name:      "resolve_total",
			Help:      "Artifact resolutions by outcome",
		},
		[]string{"outcome"},
	)

	ArtifactsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "members_extracted_total",
			Help:      "Archive members extracted by attachment name",
		},
		[]string{"member"},
	)

	// Ingestion
	ChunksDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunks_dispatched_total",
			Help:      "Chunks handed off to workers",
		},
	)

	ChunksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunks_processed_total",
			Help:      "Chunks processed by workers by outcome",
		},
		[]string{"outcome"},
	)

	TestsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tests_ingested_total",
			Help:      "Test records persisted by result",
		},
		[]string{"result"},
	)

	ChunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunk_duration_seconds",
			Help:      "Time spent persisting one chunk",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	BarriersFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "barriers_fired_total",
			Help:      "Aggregation barriers that fired",
		},
	)

	LogsLocated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "logs_located_total",
			Help:      "Failing tests updated with a located stack trace",
		},
	)

	// Queue
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Tasks handled by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
