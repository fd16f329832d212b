package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/txmesh/go-txmesh/metrics"
)

const (
	namespace  = "server"
	protoLabel = "protocol"
)

var (
	requests = metrics.NewCounter(
		"requests",
		namespace,
		"requests counter",
		[]string{protoLabel, "state"},
	)
	clientLatency = metrics.NewHistogramWithBuckets(
		"client_latency_seconds",
		namespace,
		"latency since initiating a request",
		[]string{protoLabel, "result"},
		prometheus.ExponentialBuckets(0.01, 2, 10),
	)
)

func newTracker(protocol string) *tracker {
	return &tracker{
		accepted:             requests.WithLabelValues(protocol, "accepted"),
		dropped:              requests.WithLabelValues(protocol, "dropped"),
		completed:            requests.WithLabelValues(protocol, "completed"),
		failed:               requests.WithLabelValues(protocol, "failed"),
		clientSucceeded:      requests.WithLabelValues(protocol, "client_succeeded"),
		clientFailed:         requests.WithLabelValues(protocol, "client_failed"),
		clientServerError:    requests.WithLabelValues(protocol, "client_server_error"),
		clientLatency:        clientLatency.WithLabelValues(protocol, "success"),
		clientLatencyFailure: clientLatency.WithLabelValues(protocol, "failure"),
	}
}

type tracker struct {
	accepted             prometheus.Counter
	dropped              prometheus.Counter
	completed            prometheus.Counter
	failed               prometheus.Counter
	clientSucceeded      prometheus.Counter
	clientFailed         prometheus.Counter
	clientServerError    prometheus.Counter
	clientLatency        prometheus.Observer
	clientLatencyFailure prometheus.Observer
}
