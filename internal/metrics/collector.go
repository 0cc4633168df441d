// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector aggregates coordinator metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	// Claim metrics
	claimsTotal   *prometheus.CounterVec
	renewalsTotal *prometheus.CounterVec
	leasesLost    prometheus.Counter
	heldLeases    prometheus.Gauge

	// Recovery metrics
	reclaimsTotal         *prometheus.CounterVec
	recoverySuppressed    prometheus.Counter
	detectorCycleDuration prometheus.Histogram
	corruptRecords        prometheus.Counter

	// Backend metrics
	backendProbesTotal *prometheus.CounterVec
	probeDuration      prometheus.Histogram

	// Heartbeat metrics
	heartbeatTicks prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a metrics collector with the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.claimsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total lease acquire attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.renewalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Total lease renewals by outcome",
		},
		[]string{"outcome"},
	)

	c.leasesLost = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_lost_total",
			Help:      "Leases found reclaimed while still in the local index",
		},
	)

	c.heldLeases = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "held_leases",
			Help:      "Leases currently held by this agent",
		},
	)

	c.reclaimsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaims_total",
			Help:      "Tasks returned to circulation by reason",
		},
		[]string{"reason"},
	)

	c.recoverySuppressed = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_suppressed_total",
			Help:      "Recovery enqueues suppressed by the dedup guard",
		},
	)

	c.detectorCycleDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_cycle_duration_seconds",
			Help:      "Orphan detector cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.corruptRecords = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_records_total",
			Help:      "Records skipped during scans because they failed to parse",
		},
	)

	c.backendProbesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_probes_total",
			Help:      "Backend availability probes by outcome",
		},
		[]string{"outcome"},
	)

	c.probeDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_probe_duration_seconds",
			Help:      "Backend probe duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.heartbeatTicks = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_ticks_total",
			Help:      "Heartbeat renewer ticks completed",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Handler returns the HTTP handler exposing this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordClaim records an acquire attempt: "claimed" or "conflict".
func (c *Collector) RecordClaim(outcome string) {
	c.claimsTotal.WithLabelValues(outcome).Inc()
}

// RecordRenewal records a renew attempt: "renewed", "not_owned", "not_found".
func (c *Collector) RecordRenewal(outcome string) {
	c.renewalsTotal.WithLabelValues(outcome).Inc()
}

// RecordLeaseLost records a lease dropped from the local index after a
// concurrent reclaim.
func (c *Collector) RecordLeaseLost() {
	c.leasesLost.Inc()
}

// SetHeldLeases records the current held-lease count.
func (c *Collector) SetHeldLeases(n int) {
	c.heldLeases.Set(float64(n))
}

// RecordReclaim records a task returned to circulation.
func (c *Collector) RecordReclaim(reason string) {
	c.reclaimsTotal.WithLabelValues(reason).Inc()
}

// RecordRecoverySuppressed records a dedup-guard suppression.
func (c *Collector) RecordRecoverySuppressed() {
	c.recoverySuppressed.Inc()
}

// RecordDetectorCycle records a completed detector cycle.
func (c *Collector) RecordDetectorCycle(duration time.Duration) {
	c.detectorCycleDuration.Observe(duration.Seconds())
}

// RecordCorruptRecord records a record skipped during a scan.
func (c *Collector) RecordCorruptRecord() {
	c.corruptRecords.Inc()
}

// RecordBackendProbe records a probe: "ok" or "failed".
func (c *Collector) RecordBackendProbe(outcome string, duration time.Duration) {
	c.backendProbesTotal.WithLabelValues(outcome).Inc()
	c.probeDuration.Observe(duration.Seconds())
}

// RecordHeartbeatTick records a completed renewer tick.
func (c *Collector) RecordHeartbeatTick() {
	c.heartbeatTicks.Inc()
}
