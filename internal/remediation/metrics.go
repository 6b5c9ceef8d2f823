package remediation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plc_remedy_remediation_jobs_total",
		Help: "Remediation jobs by action and outcome",
	}, []string{"action", "result"})

	cooldownRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plc_remedy_remediation_cooldown_rejections_total",
		Help: "Remediation triggers rejected by the cooldown gate",
	})
)
