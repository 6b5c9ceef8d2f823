package chaos

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	injectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_remedy_chaos_injections_total",
		Help: "Chaos injections by failure type",
	}, []string{"failure_type"})

	activeAnomalies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plc_remedy_chaos_active_value_anomalies",
		Help: "Value anomalies currently overriding tag reads",
	})
)
