// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type collectors struct {
	enqueueTotal   *prometheus.CounterVec
	claimTotal     *prometheus.CounterVec
	sealTotal      *prometheus.CounterVec
	reapedTotal    *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	transitions    *prometheus.CounterVec

	sealLatency *prometheus.HistogramVec

	queueDepth *prometheus.GaugeVec
}

var singleton = sync.OnceValue(func() *collectors {
	return &collectors{
		enqueueTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "laudos",
			Name:      "emission_enqueue_total",
			Help:      "Emission requests by outcome.",
		}, []string{"result"}),
		claimTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "laudos",
			Name:      "emission_claim_total",
			Help:      "Queue claim attempts by outcome.",
		}, []string{"result"}),
		sealTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "laudos",
			Name:      "seal_total",
			Help:      "Sealing attempts by outcome.",
		}, []string{"result"}),
		reapedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "laudos",
			Name:      "emission_reaped_total",
			Help:      "Stale claims handled by the reaper.",
		}, []string{"action"}),
		deliveredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "laudos",
			Name:      "delivery_total",
			Help:      "Report delivery attempts by outcome.",
		}, []string{"result"}),
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "laudos",
			Name:      "batch_transitions_total",
			Help:      "Committed batch state transitions.",
		}, []string{"to"}),
		sealLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "laudos",
			Name:      "seal_duration_seconds",
			Help:      "Time from claim to sealing outcome.",
			Buckets: []float64{
				0.01, 0.05,
				0.1, 0.25, 0.5,
				1, 2.5, 5, 10, 30, 60,
			},
		}, []string{"result"}),
		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "laudos",
			Name:      "emission_queue_entries",
			Help:      "Queue entries per status at the last poll.",
		}, []string{"status"}),
	}
})

func Enqueue(result string)   { singleton().enqueueTotal.WithLabelValues(result).Inc() }
func Claim(result string)     { singleton().claimTotal.WithLabelValues(result).Inc() }
func Reaped(action string)    { singleton().reapedTotal.WithLabelValues(action).Inc() }
func Delivered(result string) { singleton().deliveredTotal.WithLabelValues(result).Inc() }
func Transition(to string)    { singleton().transitions.WithLabelValues(to).Inc() }

// Sealed records a sealing outcome and its duration since start.
func Sealed(result string, start time.Time) {
	m := singleton()
	m.sealTotal.WithLabelValues(result).Inc()
	m.sealLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// QueueDepth replaces the per-status gauge values.
func QueueDepth(byStatus map[string]int) {
	m := singleton()
	for _, s := range []string{"pending", "processing", "succeeded", "failed"} {
		m.queueDepth.WithLabelValues(s).Set(float64(byStatus[s]))
	}
}
