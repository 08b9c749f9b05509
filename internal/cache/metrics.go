package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheMetricsOnce sync.Once
	cacheRequestsVec *prometheus.CounterVec
)

func cacheRequests(tier, result string) {
	cacheMetricsOnce.Do(func() {
		cacheRequestsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "issuemirror",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"})
		prometheus.DefaultRegisterer.MustRegister(cacheRequestsVec)
	})
	cacheRequestsVec.WithLabelValues(tier, result).Inc()
}
