// Package metrics exposes prometheus instrumentation for the observer engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulsewatch"

var (
	// NotificationsTotal counts raw notifications by outcome (admitted, dropped, ignored)
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "observer",
		Name:      "notifications_total",
		Help:      "Total raw notifications received, per root and outcome",
	}, []string{"root", "outcome"})

	// FlushesTotal counts delivered batches
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coalescer",
		Name:      "flushes_total",
		Help:      "Total batches handed to the flush handler",
	}, []string{"root"})

	// FlushedPathsTotal counts paths delivered across all batches
	FlushedPathsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coalescer",
		Name:      "flushed_paths_total",
		Help:      "Total paths handed to the flush handler",
	}, []string{"root"})

	// PauseSectionsTotal counts coordinated write sections by result
	PauseSectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "observer",
		Name:      "pause_sections_total",
		Help:      "Total paused write sections, per root and result",
	}, []string{"root", "result"})

	// ObserverState reports the current lifecycle state (0 stopped, 1 running, 2 paused)
	ObserverState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "observer",
		Name:      "state",
		Help:      "Current observer state (0 stopped, 1 running, 2 paused)",
	}, []string{"root"})

	// GateWaitSeconds measures time spent waiting to enter the coordination gate
	GateWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for coordinated access, per mode",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"mode"})
)

// Handler returns the HTTP handler serving the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
