// Package metrics defines the relay's Prometheus metrics. They register
// with the default registry on import; the admin server exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// ── Connection metrics ────────────────────────────────────────────────────────

var ConnectionsAccepted = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_accepted_total",
		Help:      "Total number of TCP connections accepted by the listener.",
	},
)

var ConnectionsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of connection handlers currently running.",
	},
)

// LoginsTotal counts login attempts.
// Label:
//   - result: "success", "failure" or "error" (session user could not be created)
var LoginsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Total number of Login messages handled, by result.",
	},
	[]string{"result"},
)

// ── Message metrics ───────────────────────────────────────────────────────────

// MessagesTotal counts decoded messages.
// Labels:
//   - kind: wire tag ("Text", "File", ...)
//   - outcome: "handled" or "ignored" (not valid in the session's state)
var MessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Total number of decoded messages, by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

var DecodeErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Total number of reads that did not decode to a message.",
	},
)

var MessageDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_handling_duration_seconds",
		Help:      "Time spent dispatching one decoded message, including persistence.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"kind"},
)

// ── Persistence metrics ───────────────────────────────────────────────────────

// StoreErrorsTotal counts failed persistence operations.
// Label:
//   - op: "create_user", "save_text", "persist_blob" or "publish"
var StoreErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Total number of failed persistence operations, by operation.",
	},
	[]string{"op"},
)

var BlobBytesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_bytes_written_total",
		Help:      "Total bytes written to the content directories, by blob kind.",
	},
	[]string{"kind"},
)
