package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline-level counters and gauges. Registered on the default registry
// and served from the API's /metrics endpoint.
var (
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedcam_frames_decoded_total",
		Help: "Frames decoded from the source container.",
	})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedcam_frames_dropped_total",
		Help: "Frames dropped at a bounded queue, by stage.",
	}, []string{"stage"})

	DetectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedcam_detections_total",
		Help: "Vehicle detections produced by the detection adapter.",
	})

	DetectorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedcam_detector_errors_total",
		Help: "Detection adapter failures treated as empty results.",
	})

	ActiveTracks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speedcam_active_tracks",
		Help: "Tracks currently alive in the multi-object tracker.",
	})

	ViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedcam_violations_total",
		Help: "New violation events fired by the gate.",
	})

	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedcam_violations_suppressed_total",
		Help: "Violations suppressed by the cooldown window.",
	})

	EvidenceRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedcam_evidence_rollbacks_total",
		Help: "Violations rolled back for missing or invalid plate evidence.",
	})

	ClipFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedcam_clip_fallbacks_total",
		Help: "Evidence bundles degraded to stills-only after codec failures.",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedcam_notifications_total",
		Help: "Notification delivery attempts by outcome.",
	}, []string{"outcome"})
)
