// Package metrics provides Prometheus instrumentation for the chat sync
// engine. It exposes gauges for session and subscription counts, counters
// for message and fan-out throughput, and histograms for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the current number of active engine sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_active_sessions",
		Help: "Current number of active engine sessions",
	})

	// ActiveSubscriptions tracks the current number of open store
	// subscriptions across all sessions.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_active_subscriptions",
		Help: "Current number of open document store subscriptions",
	})

	// MessagesSent counts sent messages, labeled by content type.
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_sent_total",
		Help: "Total number of messages sent",
	}, []string{"type"}) // text, image, video, audio, file, system

	// FanoutWrites counts per-member chat-list writes, labeled by outcome:
	// "ok", "skipped" (no entry for that member), or "error".
	FanoutWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_fanout_writes_total",
		Help: "Total number of per-member chat summary writes",
	}, []string{"outcome"})

	// FanoutDuration records the wall time of a whole fan-out pass, which
	// grows linearly with member count.
	FanoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_fanout_duration_seconds",
		Help:    "Duration of a full fan-out pass across all members",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// PresenceHeartbeats counts successful heartbeat refreshes.
	PresenceHeartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_presence_heartbeats_total",
		Help: "Total number of successful presence heartbeat writes",
	})

	// ReadReceipts counts individual message read-flag flips, labeled by
	// outcome: "ok" or "error".
	ReadReceipts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_read_receipts_total",
		Help: "Total number of per-message read receipt writes",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		ActiveSubscriptions,
		MessagesSent,
		FanoutWrites,
		FanoutDuration,
		PresenceHeartbeats,
		ReadReceipts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
