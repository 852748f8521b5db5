package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_provider_events_total",
		Help: "Billing provider webhook events by provider, type and outcome.",
	}, []string{"provider", "event_type", "outcome"})

	checkoutSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_checkout_sessions_total",
		Help: "Checkout session attempts by plan, cycle and outcome.",
	}, []string{"plan", "billing_cycle", "outcome"})
)
