package server

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Route labels for MessagesRouted.
const (
	routeGroup   = "group"
	routeDirect  = "direct"
	routeDropped = "dropped"
)

// Metrics tracks server runtime statistics in a private Prometheus
// registry, so tests can create as many servers as they like.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	// Connection counters
	TotalConnections  prometheus.Counter // lifetime connections accepted
	ActiveConnections prometheus.Gauge   // current live sessions
	TotalDisconnects  prometheus.Counter // clean + unclean disconnects
	ProtocolErrors    prometheus.Counter // connections dropped for malformed frames

	// Auth counters
	SuccessfulAuths prometheus.Counter
	FailedAuths     prometheus.Counter
	Registrations   prometheus.Counter

	// Routing counters
	MessagesRouted    *prometheus.CounterVec // by route: group, direct, dropped
	Deliveries        prometheus.Counter     // envelopes queued to a recipient
	DeliveriesDropped prometheus.Counter     // envelopes lost to a full or closed queue
	GroupsCreated     prometheus.Counter
	PersistenceErrors prometheus.Counter
	WebSocketUpgrades prometheus.Counter
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "chatting", Name: name, Help: help})
	}
	m := &Metrics{
		startTime:         time.Now(),
		registry:          prometheus.NewRegistry(),
		TotalConnections:  counter("connections_total", "Lifetime client connections accepted."),
		TotalDisconnects:  counter("disconnects_total", "Total client disconnects."),
		ProtocolErrors:    counter("protocol_errors_total", "Connections dropped for malformed frames."),
		SuccessfulAuths:   counter("auth_success_total", "Successful login attempts."),
		FailedAuths:       counter("auth_failed_total", "Failed login attempts."),
		Registrations:     counter("registrations_total", "Register commands accepted."),
		Deliveries:        counter("deliveries_total", "Envelopes queued for delivery to a session."),
		DeliveriesDropped: counter("deliveries_dropped_total", "Envelopes dropped because a session queue was full or closed."),
		GroupsCreated:     counter("groups_created_total", "Groups registered during this run."),
		PersistenceErrors: counter("persistence_errors_total", "Snapshot writes that failed."),
		WebSocketUpgrades: counter("websocket_upgrades_total", "WebSocket connections upgraded."),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatting",
			Name:      "connections_active",
			Help:      "Current live sessions.",
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatting",
			Name:      "messages_routed_total",
			Help:      "Chat messages routed, by route.",
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.TotalConnections,
		m.ActiveConnections,
		m.TotalDisconnects,
		m.ProtocolErrors,
		m.SuccessfulAuths,
		m.FailedAuths,
		m.Registrations,
		m.MessagesRouted,
		m.Deliveries,
		m.DeliveriesDropped,
		m.GroupsCreated,
		m.PersistenceErrors,
		m.WebSocketUpgrades,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatting",
			Name:      "uptime_seconds",
			Help:      "Server uptime in seconds.",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, route := range []string{routeGroup, routeDirect, routeDropped} {
		m.MessagesRouted.WithLabelValues(route)
	}
	return m
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Uptime returns the time since the metrics were created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Values returns the current value of every chatting_* counter and gauge,
// keyed by metric name. Labelled series are keyed as name{label=value}.
func (m *Metrics) Values() map[string]float64 {
	families, err := m.registry.Gather()
	if err != nil {
		slog.Warn("gather metrics", "err", err)
	}
	values := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		for _, metric := range mf.GetMetric() {
			key := name
			for _, lp := range metric.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return values
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	v := m.Values()
	slog.Info("metrics",
		"uptime", m.Uptime().Truncate(time.Second).String(),
		"connections", v["chatting_connections_active"],
		"total_connections", v["chatting_connections_total"],
		"group_msgs", v["chatting_messages_routed_total{route=group}"],
		"direct_msgs", v["chatting_messages_routed_total{route=direct}"],
		"dropped_msgs", v["chatting_messages_routed_total{route=dropped}"],
		"deliveries_dropped", v["chatting_deliveries_dropped_total"],
		"persistence_errors", v["chatting_persistence_errors_total"],
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
