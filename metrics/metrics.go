// Package metrics exposes the bundler's prometheus counters. All metrics live
// under one registry served on /metrics by the rpc server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bundler"

var (
	OperationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "num_operations_received",
		Help:      "Number of user operations accepted for submission",
	})

	BundlesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "num_bundles_submitted",
		Help:      "Number of bundles broadcast, labeled by final status",
	}, []string{"status"})

	GasEstimates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "num_gas_estimates",
		Help:      "Number of gas estimation requests, labeled by outcome",
	}, []string{"outcome"})

	SponsorshipRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "num_sponsorship_requests",
		Help:      "Number of paymaster sponsorship requests, labeled by outcome",
	}, []string{"outcome"})

	OracleFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "num_oracle_fetch_failures",
		Help:      "Number of failed external price or gas oracle fetches",
	})
)
