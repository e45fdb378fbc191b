// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments for the scoring pipeline.
type Collector struct {
	// Stream consumer metrics
	entriesProcessed  *prometheus.CounterVec
	entriesFailed     *prometheus.CounterVec
	entriesClaimed    *prometheus.CounterVec
	entriesAbandoned  *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	entriesPublished  *prometheus.CounterVec

	// Scorer metrics
	judgeDuration *prometheus.HistogramVec
	scoresEmitted *prometheus.CounterVec
}

// NewCollector registers pipeline instruments under the given namespace on the
// default registry.
func NewCollector(namespace string) *Collector {
	return NewCollectorWith(namespace, prometheus.DefaultRegisterer)
}

// NewCollectorWith registers pipeline instruments on an explicit registerer.
// Tests pass a fresh registry to avoid duplicate-registration panics.
func NewCollectorWith(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	c := &Collector{}

	c.entriesProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_entries_processed_total",
			Help:      "Total number of stream entries processed and acknowledged",
		},
		[]string{"stream"},
	)

	c.entriesFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_entries_failed_total",
			Help:      "Total number of stream entries whose handler returned an error",
		},
		[]string{"stream"},
	)

	c.entriesClaimed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_entries_claimed_total",
			Help:      "Total number of stale pending entries claimed from other consumers",
		},
		[]string{"stream"},
	)

	c.entriesAbandoned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_entries_abandoned_total",
			Help:      "Total number of entries acknowledged without success after exhausting retries",
		},
		[]string{"stream"},
	)

	c.handlerDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_handler_duration_seconds",
			Help:      "Per-entry handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stream"},
	)

	c.entriesPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_entries_published_total",
			Help:      "Total number of entries appended to a stream",
		},
		[]string{"stream"},
	)

	c.judgeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "judge_invocation_duration_seconds",
			Help:      "LLM judge invocation duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	c.scoresEmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_scores_emitted_total",
			Help:      "Total number of feedback scores handed to the sink",
		},
		[]string{"rule"},
	)

	return c
}

// EntryProcessed records one acknowledged entry.
func (c *Collector) EntryProcessed(stream string, duration time.Duration) {
	c.entriesProcessed.WithLabelValues(stream).Inc()
	c.handlerDuration.WithLabelValues(stream).Observe(duration.Seconds())
}

// EntryFailed records one handler failure.
func (c *Collector) EntryFailed(stream string, duration time.Duration) {
	c.entriesFailed.WithLabelValues(stream).Inc()
	c.handlerDuration.WithLabelValues(stream).Observe(duration.Seconds())
}

// EntriesClaimed records stale entries claimed from the pending list.
func (c *Collector) EntriesClaimed(stream string, n int) {
	c.entriesClaimed.WithLabelValues(stream).Add(float64(n))
}

// EntryAbandoned records one entry dropped after exhausting retries.
func (c *Collector) EntryAbandoned(stream string) {
	c.entriesAbandoned.WithLabelValues(stream).Inc()
}

// EntryPublished records one appended entry.
func (c *Collector) EntryPublished(stream string) {
	c.entriesPublished.WithLabelValues(stream).Inc()
}

// JudgeInvoked records one LLM judge call.
func (c *Collector) JudgeInvoked(model string, duration time.Duration) {
	c.judgeDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// ScoresEmitted records scores handed to the sink for a rule.
func (c *Collector) ScoresEmitted(rule string, n int) {
	c.scoresEmitted.WithLabelValues(rule).Add(float64(n))
}
