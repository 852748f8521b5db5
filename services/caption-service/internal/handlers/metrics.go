package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gate_decisions_total",
		Help: "Entitlement gate decisions by gate and outcome.",
	}, []string{"gate", "outcome"})

	generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_generations_total",
		Help: "Saved caption generations by effective plan.",
	}, []string{"effective_plan"})

	generationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "caption_generation_duration_seconds",
		Help:    "Time spent waiting for the caption generator.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
	})

	planDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_unknown_plan_total",
		Help: "Requests whose subscription carried a plan id missing from the catalog.",
	})
)

func recordGate(gate string, allowed bool) {
	outcome := "refused"
	if allowed {
		outcome = "allowed"
	}
	gateDecisions.WithLabelValues(gate, outcome).Inc()
}
