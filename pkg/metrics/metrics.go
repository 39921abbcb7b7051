// Package metrics exposes Prometheus counters for engine-level events. All
// collectors register on the default registry; hosts that want them scrape
// promhttp as usual, hosts that don't pay only for an atomic add.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_messages_merged_total",
		Help: "Messages merged into the conversation store.",
	})
	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_duplicates_dropped_total",
		Help: "Incoming messages dropped by clientId deduplication.",
	})
	ClockSkewCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_clock_skew_corrections_total",
		Help: "Message timestamps rewritten to preserve monotonic ordering.",
	})
	RevokesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_revokes_applied_total",
		Help: "Revoke notices applied as tombstones.",
	})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_send_failures_total",
		Help: "Outbound sends that ended in Failed state.",
	})
	TimerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_timer_fires_total",
		Help: "Session timer callbacks, including stale no-ops.",
	}, []string{"timer", "outcome"})
)
