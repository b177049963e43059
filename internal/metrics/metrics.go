// Package metrics exposes the Prometheus collectors of the command pipeline.
//
// A Recorder owns its collectors and registers them on the Registerer it is
// given, so tests can use a private registry. Label values are bounded: command
// names come from the registry, outcomes from fixed sets, targets from topics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/command-relay/internal/circuitbreaker"
)

// Consumer outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeDLQ       = "dlq"
	OutcomeDLQFailed = "dlq_failed"
	OutcomeAborted   = "aborted"
)

// Dispatch outcomes.
const (
	DispatchDelivered   = "delivered"
	DispatchRetry       = "retry"
	DispatchDLQ         = "dlq"
	DispatchBreakerOpen = "breaker_open"
	DispatchStale       = "stale"
)

// Recorder records pipeline metrics. It is safe for concurrent use.
type Recorder struct {
	commandOutcomes *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	consumerLag     *prometheus.GaugeVec
	dispatches      *prometheus.CounterVec
	outboxBacklog   prometheus.Gauge
	breakerState    *prometheus.GaugeVec
	ledgerOutcomes  *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		commandOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "command_consumer_outcomes_total",
			Help: "Consumed commands by command name and outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "command_consumer_duration_seconds",
			Help:    "Time to resolve a consumed command, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"command"}),
		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "command_consumer_lag",
			Help: "Messages waiting to be processed per topic.",
		}, []string{"topic"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Outbox publish attempts by topic and outcome.",
		}, []string{"topic", "outcome"}),
		outboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_backlog",
			Help: "Outbox records still to be delivered (PENDING plus FAILED).",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state per target: 0 closed, 1 half-open, 2 open.",
		}, []string{"target"}),
		ledgerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_ledger_outcomes_total",
			Help: "Idempotency guard outcomes by command type.",
		}, []string{"command_type", "outcome"}),
	}
	reg.MustRegister(
		r.commandOutcomes, r.commandDuration, r.consumerLag,
		r.dispatches, r.outboxBacklog, r.breakerState, r.ledgerOutcomes,
	)
	return r
}

// RecordCommandOutcome counts one consumed message.
func (r *Recorder) RecordCommandOutcome(command, outcome string) {
	r.commandOutcomes.WithLabelValues(command, outcome).Inc()
}

// ObserveCommandDuration records how long a message took to resolve.
func (r *Recorder) ObserveCommandDuration(command string, d time.Duration) {
	r.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// SetCommandConsumerLag sets the lag gauge for topic.
func (r *Recorder) SetCommandConsumerLag(topic string, lag int64) {
	r.consumerLag.WithLabelValues(topic).Set(float64(lag))
}

// RecordDispatch counts one outbox publish attempt.
func (r *Recorder) RecordDispatch(topic, outcome string) {
	r.dispatches.WithLabelValues(topic, outcome).Inc()
}

// SetOutboxBacklog sets the outbox backlog gauge.
func (r *Recorder) SetOutboxBacklog(n int64) {
	r.outboxBacklog.Set(float64(n))
}

// SetBreakerState records the state of target's breaker.
func (r *Recorder) SetBreakerState(target string, s circuitbreaker.State) {
	v := 0.0
	switch s {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	r.breakerState.WithLabelValues(target).Set(v)
}

// BreakerListener adapts SetBreakerState to circuitbreaker.StateListener.
func (r *Recorder) BreakerListener() circuitbreaker.StateListener {
	return func(target string, _, to circuitbreaker.State) {
		r.SetBreakerState(target, to)
	}
}

// RecordLedgerOutcome counts one idempotency guard decision.
func (r *Recorder) RecordLedgerOutcome(commandType, outcome string) {
	r.ledgerOutcomes.WithLabelValues(commandType, outcome).Inc()
}

// Nop discards every metric.
type Nop struct{}

func (Nop) RecordCommandOutcome(string, string) {}
func (Nop) ObserveCommandDuration(string, time.Duration) {}
func (Nop) SetCommandConsumerLag(string, int64) {}
func (Nop) RecordDispatch(string, string) {}
func (Nop) SetOutboxBacklog(int64) {}
func (Nop) SetBreakerState(string, circuitbreaker.State) {}
func (Nop) RecordLedgerOutcome(string, string) {}
