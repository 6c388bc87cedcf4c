// Package metrics collects and exposes Prometheus metrics for the reconciler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the scheduler, fan-out and shards.
type Recorder interface {
	RecordSweep(duration time.Duration, zones, transitioned, updated int, err error)
	RecordOverlapSkip()
	RecordPartitionOutcome(outcome string)
	RecordShardFailure(shard string, timedOut bool)
	RecordDriftCorrection()
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordSweep(time.Duration, int, int, int, error) {}
func (Nop) RecordOverlapSkip()                              {}
func (Nop) RecordPartitionOutcome(string)                   {}
func (Nop) RecordShardFailure(string, bool)                 {}
func (Nop) RecordDriftCorrection()                          {}

var _ Recorder = (*Collector)(nil)

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	zonesChecked  prometheus.Gauge
	transitions   prometheus.Counter
	usersUpdated  prometheus.Counter
	overlapSkips  prometheus.Counter
	outcomes      *prometheus.CounterVec
	shardFailures *prometheus.CounterVec
	drift         prometheus.Counter
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tzbot_sweeps_total",
			Help: "Reconciliation sweeps by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tzbot_sweep_duration_seconds",
			Help:    "Wall time of one reconciliation sweep.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}),
		zonesChecked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tzbot_zones_in_use",
			Help: "In-use timezones seen by the last sweep.",
		}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tzbot_transitions_detected_total",
			Help: "Timezones detected as just transitioned.",
		}),
		usersUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tzbot_sweep_nicknames_updated_total",
			Help: "Nicknames updated by sweeps.",
		}),
		overlapSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tzbot_sweep_overlap_skips_total",
			Help: "Ticks skipped because a sweep was still running.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tzbot_partition_results_total",
			Help: "Per-partition nickname results by outcome.",
		}, []string{"outcome"}),
		shardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tzbot_shard_failures_total",
			Help: "Shards that failed or missed the fan-out deadline.",
		}, []string{"shard", "reason"}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tzbot_drift_corrections_total",
			Help: "Nicknames reapplied after a manual edit removed the annotation.",
		}),
	}

	reg.MustRegister(
		c.sweeps,
		c.sweepDuration,
		c.zonesChecked,
		c.transitions,
		c.usersUpdated,
		c.overlapSkips,
		c.outcomes,
		c.shardFailures,
		c.drift,
	)
	return c
}

func (c *Collector) RecordSweep(d time.Duration, zones, transitioned, updated int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.sweeps.WithLabelValues(result).Inc()
	c.sweepDuration.Observe(d.Seconds())
	c.zonesChecked.Set(float64(zones))
	c.transitions.Add(float64(transitioned))
	c.usersUpdated.Add(float64(updated))
}

func (c *Collector) RecordOverlapSkip() { c.overlapSkips.Inc() }

func (c *Collector) RecordPartitionOutcome(outcome string) {
	c.outcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordShardFailure(shard string, timedOut bool) {
	reason := "error"
	if timedOut {
		reason = "timeout"
	}
	c.shardFailures.WithLabelValues(shard, reason).Inc()
}

func (c *Collector) RecordDriftCorrection() { c.drift.Inc() }

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
