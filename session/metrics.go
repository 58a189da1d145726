package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("collabdocs.session")

var (
	// opsApplied counts accepted operations by kind.
	opsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabdocs",
		Subsystem: "session",
		Name:      "operations_applied_total",
		Help:      "Operations accepted into session history",
	}, []string{"kind"})

	// opsRejected counts refused operations by error code.
	opsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabdocs",
		Subsystem: "session",
		Name:      "operations_rejected_total",
		Help:      "Operations rejected by the orchestrator",
	}, []string{"code"})

	applyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collabdocs",
		Subsystem: "session",
		Name:      "apply_duration_seconds",
		Help:      "Time to rebase, validate and persist one operation",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// rebaseDepth is how many concurrent operations an incoming one was
	// transformed against.
	rebaseDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collabdocs",
		Subsystem: "session",
		Name:      "rebase_depth",
		Help:      "Pending operations an incoming operation was rebased over",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabdocs",
		Subsystem: "session",
		Name:      "open",
		Help:      "Sessions currently active or paused",
	})
)
