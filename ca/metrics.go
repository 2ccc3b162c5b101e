package ca

import (
	"github.com/prometheus/client_golang/prometheus"
)

// caMetrics holds the counters shared between the CA store and the leaf
// minter, mirroring boulder's caMetrics in ca.go (signatureCount,
// signErrorCount, certificates) but scoped to this package's two signing
// paths: minting the root and minting leaves.
type caMetrics struct {
	signatureCount *prometheus.CounterVec
	signErrorCount *prometheus.CounterVec
	certificates   *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
}

// NewCAMetrics registers the CA/leaf-minting counters against stats,
// matching the shape of boulder's NewCAMetrics(stats prometheus.Registerer).
func NewCAMetrics(stats prometheus.Registerer) *caMetrics {
	signatureCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitm_ca_signatures_total",
			Help: "Number of certificate signatures performed.",
		},
		[]string{"purpose"})
	stats.MustRegister(signatureCount)

	signErrorCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitm_ca_signature_errors_total",
			Help: "Number of signature attempts that failed, labelled by purpose.",
		},
		[]string{"purpose"})
	stats.MustRegister(signErrorCount)

	certificates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitm_ca_certificates_total",
			Help: "Number of certificates issued, labelled by purpose (root, leaf).",
		},
		[]string{"purpose"})
	stats.MustRegister(certificates)

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mitm_leaf_cache_hits_total",
		Help: "Number of leaf minting requests served from cache.",
	})
	stats.MustRegister(cacheHits)

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mitm_leaf_cache_misses_total",
		Help: "Number of leaf minting requests that required a fresh mint.",
	})
	stats.MustRegister(cacheMisses)

	return &caMetrics{
		signatureCount: signatureCount,
		signErrorCount: signErrorCount,
		certificates:   certificates,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}
}
