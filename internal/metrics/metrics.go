// Package metrics exposes the daemon's Prometheus collectors. They are
// served on the control socket under /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MountsActive tracks roots currently in the Active state.
	MountsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Name:      "mounts_active",
		Help:      "Number of active mounts.",
	})

	// ManifestUpdates counts accepted hot-swap updates across all mounts.
	ManifestUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Name:      "manifest_updates_total",
		Help:      "Total manifest replacements applied.",
	})

	// ControlRequests counts control-protocol operations by outcome.
	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "control",
		Name:      "requests_total",
		Help:      "Control protocol requests by operation and status.",
	}, []string{"op", "status"})

	// FSOperations counts FUSE callbacks by operation and outcome.
	FSOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "fs",
		Name:      "operations_total",
		Help:      "FUSE operations by type and outcome.",
	}, []string{"op", "outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
