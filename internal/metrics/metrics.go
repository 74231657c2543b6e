// Package metrics exposes Prometheus metrics for identity reconciliation and
// the per-user cache.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements cache.Recorder and session.Recorder.
type Collector struct {
	transitions    *prometheus.CounterVec
	forcedReloads  prometheus.Counter
	providerErrors *prometheus.CounterVec
	isolatedKeys   prometheus.Counter
	purgedKeys     prometheus.Counter
	corruptEntries *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetoegen_identity_transitions_total",
			Help: "Identity transitions by kind.",
		}, []string{"kind"}),
		forcedReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tetoegen_forced_reloads_total",
			Help: "Reloads forced because cache isolation did not complete in time.",
		}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetoegen_identity_provider_errors_total",
			Help: "Failed identity reads by kind.",
		}, []string{"kind"}),
		isolatedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tetoegen_cache_isolated_keys_total",
			Help: "Cache entries removed because they belonged to another identity.",
		}),
		purgedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tetoegen_cache_purged_keys_total",
			Help: "Cache entries removed on sign-out.",
		}),
		corruptEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetoegen_cache_corrupt_entries_total",
			Help: "Cache entries discarded because they could not be decoded.",
		}, []string{"base"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetoegen_http_requests_total",
			Help: "HTTP responses by status code.",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.transitions,
		c.forcedReloads,
		c.providerErrors,
		c.isolatedKeys,
		c.purgedKeys,
		c.corruptEntries,
		c.httpRequests,
	)
	return c
}

func (c *Collector) RecordTransition(kind string) {
	c.transitions.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordForcedReload() {
	c.forcedReloads.Inc()
}

func (c *Collector) RecordProviderError(kind string) {
	c.providerErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordIsolated(removed int) {
	c.isolatedKeys.Add(float64(removed))
}

func (c *Collector) RecordPurged(removed int) {
	c.purgedKeys.Add(float64(removed))
}

func (c *Collector) RecordCorruptEntry(base string) {
	c.corruptEntries.WithLabelValues(base).Inc()
}

// RecordHTTPStatus counts one response with statusCode.
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpRequests.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
