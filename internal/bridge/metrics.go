package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests   *prometheus.CounterVec
	aborts     prometheus.Counter
	chunks     prometheus.Counter
	sinkErrors prometheus.Counter
	skipped    prometheus.Counter
	inflight   prometheus.Gauge
	queueDepth prometheus.Gauge
}

// newMetrics registers the bridge collectors on reg. A nil reg keeps the
// collectors private to this bridge.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Submitted requests by admission result",
		}, []string{"result"}),
		aborts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "bridge",
			Name:      "aborts_total",
			Help:      "Abort calls that removed live request state",
		}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "bridge",
			Name:      "chunks_total",
			Help:      "Response objects delivered to the sink",
		}),
		sinkErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "bridge",
			Name:      "sink_errors_total",
			Help:      "Sink invocations that returned an error",
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "bridge",
			Name:      "skipped_outputs_total",
			Help:      "Engine outputs dropped because the request was no longer live",
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Subsystem: "bridge",
			Name:      "inflight_requests",
			Help:      "Requests with live stream state",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Subsystem: "bridge",
			Name:      "queue_depth",
			Help:      "Output batches waiting for translation",
		}),
	}
}
