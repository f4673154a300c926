package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	certsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certforge_certs_issued_total",
		Help: "Leaf certificates issued through the admin API, by operation.",
	}, []string{"operation"})

	certsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certforge_certs_revoked_total",
		Help: "Revocations recorded through the admin API.",
	})

	crlsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certforge_crls_generated_total",
		Help: "CRLs generated and served.",
	})
)
