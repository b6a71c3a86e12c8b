// Package metrics exposes Prometheus instrumentation for the poll loop.
package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Cycles        *prometheus.CounterVec
	Announcements prometheus.Counter
	AnnounceFails prometheus.Counter
	CycleDuration prometheus.Observer
	LiveStreams   prometheus.Gauge
	TrackedNames  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "announcer_cycles_total",
			Help: "Number of poll cycles, labeled by outcome",
		}, []string{"outcome"})
		Announcements = promauto.NewCounter(prometheus.CounterOpts{
			Name: "announcer_announcements_total",
			Help: "Number of stream announcements dispatched",
		})
		AnnounceFails = promauto.NewCounter(prometheus.CounterOpts{
			Name: "announcer_announcement_failures_total",
			Help: "Number of announcements that could not be delivered",
		})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "announcer_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		})
		LiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "announcer_live_streams",
			Help: "Live streams seen in the last cycle",
		})
		TrackedNames = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "announcer_tracked_names",
			Help: "Distinct streamer names tracked across all guilds",
		})
	})
}

// IncAnnouncement records one delivered announcement.
func IncAnnouncement() {
	if Announcements != nil {
		Announcements.Inc()
	}
}

// IncAnnounceFail records one announcement that could not be delivered.
func IncAnnounceFail() {
	if AnnounceFails != nil {
		AnnounceFails.Inc()
	}
}

// SetLiveStreams records the number of live streams seen in a cycle.
func SetLiveStreams(n int) {
	if LiveStreams != nil {
		LiveStreams.Set(float64(n))
	}
}

// SetTrackedNames records the distinct tracked name count.
func SetTrackedNames(n int) {
	if TrackedNames != nil {
		TrackedNames.Set(float64(n))
	}
}

// ObserveCycle records one finished cycle.
func ObserveCycle(outcome string, d time.Duration) {
	if Cycles == nil {
		return
	}
	Cycles.WithLabelValues(outcome).Inc()
	CycleDuration.Observe(d.Seconds())
}

// Serve exposes /metrics on addr. It blocks; run it in a goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Metrics server stopped", "error", err)
	}
}
