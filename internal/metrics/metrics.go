// Package metrics provides Prometheus instrumentation for the ephemeral chat
// server: room lifecycle counters, message and typing throughput, bus fan-out
// health, and WebSocket viewer gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoomsCreated counts rooms that started a new lifetime.
	RoomsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privatechat_rooms_created_total",
		Help: "Total number of rooms created",
	})

	// RoomsDestroyed counts live-to-destroyed transitions, labeled by reason:
	// "explicit" (destroy call) or "expired" (TTL reaper).
	RoomsDestroyed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privatechat_rooms_destroyed_total",
		Help: "Total number of rooms destroyed",
	}, []string{"reason"})

	// MessagesAppended counts messages stored in room logs.
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privatechat_messages_total",
		Help: "Total number of messages appended",
	})

	// TypingSignals counts typing updates, labeled by state ("on", "off").
	TypingSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privatechat_typing_signals_total",
		Help: "Total number of typing updates",
	}, []string{"state"})

	// EventsPublished counts events handed to the bus, labeled by kind.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privatechat_events_published_total",
		Help: "Total number of room events published",
	}, []string{"kind"})

	// BroadcastFailures counts publishes that failed after a successful store
	// mutation.
	BroadcastFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privatechat_broadcast_failures_total",
		Help: "Total number of failed room event publishes",
	}, []string{"kind"})

	// EventsDropped counts events discarded for subscribers that fell behind.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privatechat_events_dropped_total",
		Help: "Total number of events dropped for slow subscribers",
	})

	// SubscriptionsActive tracks open room subscriptions on this instance.
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "privatechat_subscriptions_active",
		Help: "Current number of open room subscriptions",
	})

	// ConnectionsActive tracks open WebSocket viewer connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "privatechat_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// RequestLatency records HTTP API latency in seconds by route.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "privatechat_request_latency_seconds",
		Help:    "HTTP API request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(
		RoomsCreated,
		RoomsDestroyed,
		MessagesAppended,
		TypingSignals,
		EventsPublished,
		BroadcastFailures,
		EventsDropped,
		SubscriptionsActive,
		ConnectionsActive,
		RequestLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
