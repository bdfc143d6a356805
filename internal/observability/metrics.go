package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActorCalls counts remote actor calls by method and outcome (ok, remote_error, transport_error).
	ActorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockverse_actor_calls_total",
		Help: "Total number of remote actor calls",
	}, []string{"method", "outcome"})

	// ActorCallLatency records remote call latency by method.
	ActorCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blockverse_actor_call_latency_seconds",
		Help:    "Remote actor call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// Mutations counts optimistic mutations by kind and outcome.
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockverse_mutations_total",
		Help: "Total number of optimistic mutations by outcome",
	}, []string{"kind", "outcome"})

	// MutationInvariantViolations counts clamped counters.
	MutationInvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockverse_mutation_invariant_violations_total",
		Help: "Total number of local invariant violations detected while patching",
	}, []string{"kind"})

	// SessionTransitions counts session state changes.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockverse_session_transitions_total",
		Help: "Total number of session state transitions",
	}, []string{"from", "to"})

	// PushEvents counts push events by type and outcome (applied, ignored, malformed).
	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockverse_push_events_total",
		Help: "Total push events received",
	}, []string{"type", "outcome"})

	// RedisErrors counts Redis errors by operation type.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockverse_redis_errors_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// StreamConnections is the gauge of connected UI stream clients.
	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blockverse_stream_connections",
		Help: "Number of connected UI stream clients",
	})
)

// ObserveActorCall records outcome and latency of a remote call.
func ObserveActorCall(method, outcome string, start time.Time) {
	ActorCalls.WithLabelValues(method, outcome).Inc()
	ActorCallLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
