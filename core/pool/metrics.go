package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInstances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chromespider",
		Subsystem: "pool",
		Name:      "instances",
		Help:      "Browser instances by state.",
	}, []string{"state"})
	metricCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chromespider",
		Subsystem: "pool",
		Name:      "instances_created_total",
		Help:      "Browser instances started.",
	})
	metricRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chromespider",
		Subsystem: "pool",
		Name:      "instances_removed_total",
		Help:      "Browser instances terminated, by reason.",
	}, []string{"reason"})
)

func (p *Pool[R]) syncMetricsLocked() {
	metricInstances.WithLabelValues("free").Set(float64(len(p.free)))
	metricInstances.WithLabelValues("in_use").Set(float64(len(p.inUse)))
}
