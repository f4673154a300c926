package acme

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certforge_acme_requests_total",
		Help: "ACME endpoint requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certforge_acme_http01_validations_total",
		Help: "HTTP-01 validation attempts by result.",
	}, []string{"result"})

	ordersFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certforge_acme_orders_finalized_total",
		Help: "Orders finalized into issued certificates.",
	})
)
