package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reid",
		Name:      "frames_captured_total",
		Help:      "Total number of frames captured per camera",
	}, []string{"camera_id"})

	CaptureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reid",
		Name:      "capture_errors_total",
		Help:      "Total number of frame read failures per camera",
	}, []string{"camera_id"})

	PersonsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reid",
		Name:      "persons_detected_total",
		Help:      "Total number of person detections",
	}, []string{"source"})

	IdentityResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reid",
		Name:      "identity_resolutions_total",
		Help:      "Identity resolver outcomes",
	}, []string{"outcome"}) // matched, created, rejected, held

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reid",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	ActiveCameras = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reid",
		Name:      "active_cameras",
		Help:      "Number of camera sessions currently running",
	})

	OutputFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reid",
		Name:      "output_frames_dropped_total",
		Help:      "Annotated frames dropped from full output queues",
	}, []string{"camera_id"})

	VideoJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reid",
		Name:      "video_jobs_total",
		Help:      "Video jobs reaching each lifecycle state",
	}, []string{"state"})

	VideoQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reid",
		Name:      "video_queue_depth",
		Help:      "Number of video jobs waiting in the queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reid",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reid",
		Name:      "events_published_total",
		Help:      "Pipeline events handed to the message bus",
	}, []string{"kind", "result"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reid",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
