// Package metrics exposes runtime counters for the sync and capture
// components over a prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates core counters. All methods are safe on a nil
// receiver so components can run unmetered.
type Collector struct {
	registry *prometheus.Registry

	subsActive     prometheus.Gauge
	messagesSent   prometheus.Counter
	messagesFailed prometheus.Counter
	rosterFallback *prometheus.CounterVec
	voiceSessions  *prometheus.CounterVec
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		subsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comtalk_subscriptions_active",
			Help: "Live query handles currently open.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comtalk_messages_sent_total",
			Help: "Messages successfully written to the remote store.",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comtalk_messages_failed_total",
			Help: "Message writes that failed.",
		}),
		rosterFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comtalk_roster_fallback_total",
			Help: "Group roster resolutions by winning strategy.",
		}, []string{"strategy"}),
		voiceSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comtalk_voice_sessions_total",
			Help: "Voice capture sessions by outcome.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		c.subsActive,
		c.messagesSent,
		c.messagesFailed,
		c.rosterFallback,
		c.voiceSessions,
	)
	return c
}

// Handler returns the scrape endpoint handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SubscriptionOpened records a live handle opening.
func (c *Collector) SubscriptionOpened() {
	if c != nil {
		c.subsActive.Inc()
	}
}

// SubscriptionClosed records a live handle teardown.
func (c *Collector) SubscriptionClosed() {
	if c != nil {
		c.subsActive.Dec()
	}
}

// MessageSent records a successful message write.
func (c *Collector) MessageSent() {
	if c != nil {
		c.messagesSent.Inc()
	}
}

// MessageFailed records a failed message write.
func (c *Collector) MessageFailed() {
	if c != nil {
		c.messagesFailed.Inc()
	}
}

// RosterFallback records which fallback strategy produced the roster.
func (c *Collector) RosterFallback(strategy string) {
	if c != nil {
		c.rosterFallback.WithLabelValues(strategy).Inc()
	}
}

// VoiceSession records a finished capture session outcome.
func (c *Collector) VoiceSession(outcome string) {
	if c != nil {
		c.voiceSessions.WithLabelValues(outcome).Inc()
	}
}
