package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "frames_processed_total",
		Help:      "Total number of camera frames run through the pipeline",
	})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected and processed (after max_faces cap)",
	})

	MatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "match_results_total",
		Help:      "Matcher results by kind",
	}, []string{"result"})

	AttendanceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "outcomes_total",
		Help:      "Deduplicator outcomes for recognized identities",
	}, []string{"outcome"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attendance",
		Name:      "inference_duration_seconds",
		Help:      "Duration of pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"stage"})

	GallerySamples = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendance",
		Name:      "gallery_samples",
		Help:      "Number of embeddings in the active gallery",
	})

	GalleryReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "gallery_reloads_total",
		Help:      "Gallery rebuilds by status",
	}, []string{"status"})

	CameraReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "camera_read_failures_total",
		Help:      "Ticks skipped because no camera frame was available",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attendance",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendance",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
