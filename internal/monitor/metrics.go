package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tagReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_remedy_tag_reads_total",
		Help: "Tag reads by status",
	}, []string{"status"})

	violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_remedy_threshold_violations_total",
		Help: "New threshold violations by tag",
	}, []string{"tag"})

	activeViolations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plc_remedy_active_violations",
		Help: "Currently open threshold violations",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plc_remedy_poll_cycle_duration_seconds",
		Help:    "Poll cycle duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})

	cycleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_remedy_poll_cycle_failures_total",
		Help: "Poll cycles aborted by an unexpected panic",
	})

	deviceConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plc_remedy_device_connected",
		Help: "1 when the device client reports a connection",
	})

	hooksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_remedy_remediation_hooks_dropped_total",
		Help: "Auto remediation triggers dropped because the hook was saturated",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_remedy_events_total",
		Help: "Recorded events by type",
	}, []string{"event_type"})
)
