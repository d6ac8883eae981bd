// Package metrics holds the Prometheus collectors for the attribution
// pipeline and the reference collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRetried = "retried"
)

// Pipeline tracks what the engine and delivery client do.
type Pipeline struct {
	// EventsTotal counts delivery results by event type and outcome.
	EventsTotal *prometheus.CounterVec
	// RequestDuration observes HTTP exchanges by endpoint and status class.
	RequestDuration *prometheus.HistogramVec
	// FailedQueueSize is the failed-event queue length after the last change.
	FailedQueueSize prometheus.Gauge
	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState prometheus.Gauge
}

// NewPipeline registers the pipeline collectors with reg. A nil reg creates
// unregistered collectors.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attribution_events_total",
				Help: "Tracked events by type and delivery outcome",
			},
			[]string{"event_type", "outcome"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attribution_request_duration_seconds",
				Help:    "Duration of collector HTTP exchanges",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		FailedQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "attribution_failed_queue_size",
			Help: "Events waiting in the failed-event queue",
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "attribution_breaker_state",
			Help: "Delivery circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
	}
}

// Event records one delivery result. Safe on a nil receiver.
func (p *Pipeline) Event(eventType, outcome string) {
	if p == nil {
		return
	}
	p.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (p *Pipeline) Request(endpoint, status string, started time.Time) {
	if p == nil {
		return
	}
	p.RequestDuration.WithLabelValues(endpoint, status).Observe(time.Since(started).Seconds())
}

func (p *Pipeline) QueueSize(n int) {
	if p == nil {
		return
	}
	p.FailedQueueSize.Set(float64(n))
}

func (p *Pipeline) Breaker(state int) {
	if p == nil {
		return
	}
	p.BreakerState.Set(float64(state))
}

// Collector tracks the reference collector server.
type Collector struct {
	ReceivedTotal *prometheus.CounterVec
	RejectedTotal *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		ReceivedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_records_received_total",
				Help: "Records accepted by project and event type",
			},
			[]string{"project", "event_type"},
		),
		RejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_requests_rejected_total",
				Help: "Rejected requests by reason",
			},
			[]string{"reason"},
		),
	}
}

func (c *Collector) Received(project, eventType string) {
	if c == nil {
		return
	}
	c.ReceivedTotal.WithLabelValues(project, eventType).Inc()
}

func (c *Collector) Rejected(reason string) {
	if c == nil {
		return
	}
	c.RejectedTotal.WithLabelValues(reason).Inc()
}
