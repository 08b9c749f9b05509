package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	engineMetricsOnce sync.Once
	syncsTotal        *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	webhookEvents     *prometheus.CounterVec
)

func initEngineMetrics() {
	engineMetricsOnce.Do(func() {
		syncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "issuemirror",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Synchronization attempts by type and outcome.",
		}, []string{"type", "status"})
		syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "issuemirror",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Synchronization latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"})
		webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "issuemirror",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Ingested webhook events by type and outcome.",
		}, []string{"event", "status"})
		prometheus.DefaultRegisterer.MustRegister(syncsTotal, syncDuration, webhookEvents)
	})
}

func observeSync(syncType string, status string, elapsed time.Duration) {
	initEngineMetrics()
	syncsTotal.WithLabelValues(syncType, status).Inc()
	syncDuration.WithLabelValues(syncType).Observe(elapsed.Seconds())
}

func observeWebhookEvent(event, status string) {
	initEngineMetrics()
	webhookEvents.WithLabelValues(event, status).Inc()
}
