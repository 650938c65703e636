// Package metrics defines the bridge's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "databridge_build_info",
		Help: "Build information",
	}, []string{"version", "commit", "date"})

	InboxStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databridge_inbox_stored_total",
		Help: "Messages accepted into the inbox",
	})

	InboxDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databridge_inbox_deduped_total",
		Help: "Intake pushes dropped as idempotency-key duplicates",
	})

	OutboxSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databridge_outbox_sent_total",
		Help: "Outbox jobs delivered to the peer",
	})

	OutboxRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databridge_outbox_retried_total",
		Help: "Outbox delivery attempts that were rescheduled",
	})

	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "databridge_outbox_depth",
		Help: "Jobs currently queued in the outbox",
	})

	PeerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "databridge_peer_up",
		Help: "Peer watchdog state (1 = up)",
	})

	DeviceExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "databridge_device_exchanges_total",
		Help: "Device bridge executions by device and result",
	}, []string{"device", "result"})

	RouterProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databridge_router_processed_total",
		Help: "Inbox messages processed by the router",
	})
)
