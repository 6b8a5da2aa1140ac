// Package metrics exposes prometheus counters for the reporting
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	namespace = "beacon"
	subsystem = "reporter"
)

// Flush outcome labels.
const (
	OutcomeSuccess = "success"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	submitted *prometheus.CounterVec
	sent      prometheus.Counter
	flushes   *prometheus.CounterVec
	queued    prometheus.Gauge
	batchSize prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "beacons_submitted_total",
				Help:      "Beacons submitted, by whether they were queued or dropped as unmappable",
			},
			[]string{"status"},
		),
		sent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "beacons_sent_total",
				Help:      "Beacons acknowledged by the collector and removed from the queue",
			},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "flushes_total",
				Help:      "Flush attempts by outcome",
			},
			[]string{"outcome"},
		),
		queued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_length",
				Help:      "Beacons currently waiting in the durable queue",
			},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batch_bytes",
				Help:      "Transmitted batch body size in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
			},
		),
	}
	reg.MustRegister(m.submitted, m.sent, m.flushes, m.queued, m.batchSize)
	return m
}

// Submitted counts a beacon accepted into the queue.
func (m *Metrics) Submitted() {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues("queued").Inc()
}

// Dropped counts a beacon that could not be mapped.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues("dropped").Inc()
}

// Flushed records one flush attempt. outcome is OutcomeSuccess or an
// error code name.
func (m *Metrics) Flushed(outcome string, sent int) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.sent.Add(float64(sent))
	}
}

// BatchBytes records the size of a transmitted body.
func (m *Metrics) BatchBytes(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

// QueueLength sets the current queue length.
func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

// Sent returns the number of beacons acknowledged so far.
func (m *Metrics) Sent() float64 {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.sent.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}
