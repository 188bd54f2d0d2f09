// Package metrics defines the Prometheus collectors for the tracker server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry metrics
var (
	// RegistryGroups tracks the number of live groups
	RegistryGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_groups",
			Help: "Number of groups with at least one member",
		},
	)

	// RegistryMembers tracks the total member records across all groups
	RegistryMembers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_members_total",
			Help: "Total member records across all groups",
		},
	)

	// RegistryStaleEvictions tracks members evicted by the stale sweeper
	RegistryStaleEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_stale_evictions_total",
			Help: "Total member records evicted for missing the freshness threshold",
		},
	)

	// RegistryGroupsReaped tracks groups deleted because a sweep emptied them
	RegistryGroupsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_groups_reaped_total",
			Help: "Total groups deleted because the stale sweep emptied them",
		},
	)
)

// Hub metrics
var (
	// HubActiveGroups tracks groups with at least one open connection
	HubActiveGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_groups",
			Help: "Number of groups with at least one open connection",
		},
	)

	// HubConnectedClients tracks open connections across all groups
	HubConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_clients",
			Help: "Open WebSocket connections attached to a group",
		},
	)

	// HubBroadcastsTotal tracks group broadcasts by kind
	HubBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Total group broadcasts by kind (roster/horn)",
		},
		[]string{"kind"},
	)

	// HubSlowSendsSkipped tracks deliveries skipped because a client buffer was full
	HubSlowSendsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_sends_skipped_total",
			Help: "Broadcast deliveries skipped because the client write buffer was full",
		},
	)
)

// Protocol metrics
var (
	// MessagesTotal tracks inbound messages by type and result
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protocol_messages_total",
			Help: "Inbound messages by type and result (ok/malformed/unknown/dropped)",
		},
		[]string{"type", "result"},
	)

	// HornsTotal tracks horn signals by outcome
	HornsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protocol_horns_total",
			Help: "Horn signals by outcome (fired/rate_limited/no_group)",
		},
		[]string{"outcome"},
	)
)

// WebSocket metrics
var (
	// WebSocketConnectionsCurrent tracks current active WebSocket connections
	WebSocketConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current number of active WebSocket connections",
		},
	)

	// WebSocketConnectionsTotal tracks connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/per_ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// WebSocketPingFailures tracks keepalive ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)
)

// Rate limiter metrics
var (
	// RateLimitEntries tracks live horn cooldown entries
	RateLimitEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ratelimit_entries",
			Help: "Live horn cooldown entries",
		},
	)
)
