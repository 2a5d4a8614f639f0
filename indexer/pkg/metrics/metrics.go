package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_build_info",
			Help: "Build information of the relay",
		},
		[]string{"version", "commit", "date"},
	)

	WatcherTickTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_watcher_tick_total",
			Help: "Total number of watcher ticks",
		},
		[]string{"contract", "status"},
	)

	WatcherTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_watcher_tick_duration_seconds",
			Help:    "Duration of watcher ticks",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"contract"},
	)

	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_watcher_events_total",
			Help: "Total number of ledger events handled",
		},
		[]string{"contract", "event", "result"},
	)

	WatcherCursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_watcher_cursor_block",
			Help: "Last fully processed block per contract",
		},
		[]string{"contract"},
	)

	WatcherHeadLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_watcher_head_lag_blocks",
			Help: "Blocks between the cursor and the confirmed chain head",
		},
		[]string{"contract"},
	)

	WatcherExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_watcher_expired_total",
			Help: "Total number of distributables moved to EXPIRED by the sweep",
		},
		[]string{"contract"},
	)

	MetadataCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_watcher_metadata_cache_total",
			Help: "Asset metadata cache lookups",
		},
		[]string{"result"},
	)
)
