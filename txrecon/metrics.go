package txrecon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/txmesh/go-txmesh/metrics"
)

const (
	// subsystem shared by all metrics exposed by this package.
	subsystem = "txrecon"
	outcome   = "outcome"
)

var (
	roundsStarted = metrics.NewCounter(
		"rounds_started",
		subsystem,
		"Reconciliation rounds started as initiator",
		nil).WithLabelValues()

	roundsFinished = metrics.NewCounter(
		"rounds_finished",
		subsystem,
		"Reconciliation rounds finished, by terminal outcome",
		[]string{outcome})

	roundsExtended = metrics.NewCounter(
		"rounds_extended",
		subsystem,
		"Rounds that needed the extension sketch",
		nil).WithLabelValues()

	protocolViolations = metrics.NewCounter(
		"protocol_violations",
		subsystem,
		"Reconciliation messages that violated the protocol",
		nil).WithLabelValues()

	diffSize = metrics.NewHistogramWithBuckets(
		"diff_size",
		subsystem,
		"Decoded symmetric difference size",
		nil,
		prometheus.ExponentialBuckets(1, 2, 10)).WithLabelValues()
)

const (
	outcomeDecoded = "decoded"
	outcomeFailed  = "failed"
)
