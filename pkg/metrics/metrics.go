package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters shared by the agent tasks. Protocol errors must be counted (the
// offending message is otherwise dropped silently)
var (
	MessagesTranslated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tedge_mapper_messages_translated_total",
		Help: "Messages translated by the mapper, per cloud and channel",
	}, []string{"cloud", "channel"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tedge_mapper_messages_dropped_total",
		Help: "Malformed or untranslatable messages dropped by the mapper",
	}, []string{"cloud", "reason"})

	BridgeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tedge_bridge_messages_total",
		Help: "Messages copied by the built-in bridge, per direction",
	}, []string{"cloud", "direction"})

	BridgeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tedge_bridge_reconnects_total",
		Help: "Reconnection attempts of the built-in bridge",
	}, []string{"cloud"})

	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tedge_workflow_transitions_total",
		Help: "Committed workflow state transitions, per operation",
	}, []string{"operation", "state"})

	EntitiesDroppedPending = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tedge_entities_pending_dropped_total",
		Help: "Entity registrations dropped because the parent never arrived",
	})

	FileCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tedge_file_cache_evictions_total",
		Help: "Blobs evicted from the file transfer cache",
	})
)
