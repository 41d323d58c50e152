// Package metrics exposes Prometheus collectors for workers, inbound processing and delivery.
//
// A nil *Metrics is valid and records nothing, so components can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grouppulse"

// Metrics groups the collectors shared across components.
type Metrics struct {
	ActiveWorkers      prometheus.Gauge
	SessionTransitions *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
	InboundMessages    *prometheus.CounterVec
	ClassifyDuration   prometheus.Histogram
	DeliveryAttempts   *prometheus.CounterVec
	QueueDrained       prometheus.Counter
	ScanRequests       *prometheus.CounterVec
	SchedulerRuns      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_workers",
			Help: "Connection workers registered in this process.",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_transitions_total",
			Help: "Worker session status transitions by target status.",
		}, []string{"status"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Reconnect attempts by result.",
		}, []string{"result"}),
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_messages_total",
			Help: "Inbound chat messages by handling result.",
		}, []string{"result"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "classify_duration_seconds",
			Help:    "Latency of classifier calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_attempts_total",
			Help: "Outbound send attempts by message type and result.",
		}, []string{"type", "result"}),
		QueueDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_entries_sent_total",
			Help: "Queue entries delivered by the queue drain.",
		}),
		ScanRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scan_requests_total",
			Help: "History scan requests by result.",
		}, []string{"result"}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_runs_total",
			Help: "Scheduler trigger runs by trigger and result.",
		}, []string{"trigger", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ActiveWorkers, m.SessionTransitions, m.Reconnects, m.InboundMessages, m.ClassifyDuration,
			m.DeliveryAttempts, m.QueueDrained, m.ScanRequests, m.SchedulerRuns,
		)
	}
	return m
}

func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Set(float64(n))
}

func (m *Metrics) SessionTransition(status string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ReconnectAttempt(result string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) Inbound(result string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveClassify(d time.Duration) {
	if m == nil {
		return
	}
	m.ClassifyDuration.Observe(d.Seconds())
}

func (m *Metrics) DeliveryAttempt(msgType, result string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) QueueSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueDrained.Add(float64(n))
}

func (m *Metrics) ScanRequest(result string) {
	if m == nil {
		return
	}
	m.ScanRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) SchedulerRun(trigger, result string) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(trigger, result).Inc()
}
