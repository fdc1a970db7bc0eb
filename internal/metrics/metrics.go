// Package metrics holds the Prometheus counters shared by the cascade
// scheduler, derived stores and the sync layer.
//
// Counters are global only (no per-store labels) so cardinality stays fixed
// regardless of how many stores a process creates. They are registered on a
// package registry rather than the default one; Handler serves it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Cascades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_cascades_total",
		Help: "Cascades run by the scheduler (one per armed microtask)",
	})
	DeriveTasks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_derive_tasks_total",
		Help: "Ranked derive tasks executed",
	})
	FlushTasks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_flush_tasks_total",
		Help: "Flush-queue entries executed",
	})
	Recomputes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_recomputes_total",
		Help: "Derivation function executions",
	})
	Notifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_notifications_total",
		Help: "Terminal watcher notifications delivered",
	})
	SyncPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_sync_published_total",
		Help: "Sync updates handed to a transport",
	})
	SyncAppliedFields = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_sync_applied_fields_total",
		Help: "Remote field values applied locally",
	})
	SyncRejectedStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_sync_rejected_stale_total",
		Help: "Remote field values rejected by last-write-wins",
	})
	SyncMergeViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_sync_merge_violations_total",
		Help: "Remote field values skipped because a merge or decode produced the wrong type",
	})
	TransportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_transport_errors_total",
		Help: "Transport publish or delivery failures (logged and swallowed)",
	})
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cascade_relay_connections",
		Help: "WebSocket connections currently held by the relay",
	})
	RelayMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_relay_messages_total",
		Help: "Sync messages fanned out by the relay, counted per recipient",
	})
)

// Registry is the registry every counter above is registered on.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		Cascades, DeriveTasks, FlushTasks, Recomputes, Notifications,
		SyncPublished, SyncAppliedFields, SyncRejectedStale, SyncMergeViolations,
		TransportErrors, RelayConnections, RelayMessages,
		collectors.NewGoCollector(),
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
