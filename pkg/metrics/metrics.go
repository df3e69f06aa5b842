package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the process registry exposed by the diagnostics endpoint.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		DispatchTotal, DispatchSeconds,
		QueueDepth, QueueOverflowTotal, QueueRetryTotal, QueuePermanentFailTotal,
		DrainTotal, DrainProcessed,
		CacheEvictions, CacheHistoryMisses,
		ChannelLive, NetworkReachable,
		ReceiptTotal,
	)
}

// DispatchTotal counts outbound dispatch outcomes by transport tier and result.
var DispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatsync_dispatch_total",
		Help: "Outbound action dispatches by transport and result.",
	},
	[]string{"transport", "result"}, // transport: channel|api|queue; result: delivered|deferred|failed
)

// DispatchSeconds observes per-attempt dispatch latency.
var DispatchSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chatsync_dispatch_seconds",
		Help:    "Dispatch attempt latency in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"transport"},
)

// QueueDepth tracks the number of persisted pending actions.
var QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "chatsync_queue_depth",
	Help: "Pending actions in the durable queue.",
})

// QueueOverflowTotal counts hard-cap evictions surfaced to callers.
var QueueOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatsync_queue_overflow_total",
	Help: "Actions evicted because the durable queue hit its hard cap.",
})

// QueueRetryTotal counts drain attempts that left an action in place for retry.
var QueueRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatsync_queue_retry_total",
	Help: "Drain attempts that failed and left the action queued.",
})

// QueuePermanentFailTotal counts actions removed after exhausting retries.
var QueuePermanentFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatsync_queue_permanent_fail_total",
	Help: "Actions dropped after exceeding max retries.",
})

// DrainTotal counts drain passes by trigger.
var DrainTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatsync_drain_total",
		Help: "Queue drain passes by trigger.",
	},
	[]string{"trigger"}, // startup | restored | cron | manual
)

// DrainProcessed counts actions retired by drain passes.
var DrainProcessed = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatsync_drain_processed_total",
	Help: "Actions successfully replayed by drains.",
})

// CacheEvictions counts messages evicted from the local cache.
var CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatsync_cache_evictions_total",
	Help: "Messages evicted from the local message cache.",
})

// CacheHistoryMisses counts expired or absent history pages.
var CacheHistoryMisses = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatsync_cache_history_misses_total",
	Help: "History reads that missed the cache (absent or past TTL).",
})

// ChannelLive reflects real-time channel liveness (0/1).
var ChannelLive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "chatsync_channel_live",
	Help: "Whether the real-time channel is live.",
})

// NetworkReachable reflects network reachability (0/1).
var NetworkReachable = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "chatsync_network_reachable",
	Help: "Whether the network is reachable.",
})

// ReceiptTotal counts inbound delivery/read receipts applied.
var ReceiptTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatsync_receipt_total",
		Help: "Inbound receipts by kind.",
	},
	[]string{"kind"}, // delivered | read
)

// SetBool sets a 0/1 gauge from a bool.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
