package alerting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_remedy_sink_events_published_total",
		Help: "Events delivered to an external sink.",
	}, []string{"sink"})

	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_remedy_sink_publish_failures_total",
		Help: "Events a sink failed to deliver.",
	}, []string{"sink"})
)
