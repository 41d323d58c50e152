package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetActiveWorkers(3)
	m.SessionTransition("connected")
	m.ReconnectAttempt("failed")
	m.Inbound("processed")
	m.ObserveClassify(time.Second)
	m.DeliveryAttempt("alert", "sent")
	m.QueueSent(2)
	m.ScanRequest("completed")
	m.SchedulerRun("digest", "ok")
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetActiveWorkers(4)
	m.SessionTransition("connected")
	m.SessionTransition("connected")
	m.DeliveryAttempt("digest", "failed")
	m.QueueSent(3)

	if got := testutil.ToFloat64(m.ActiveWorkers); got != 4 {
		t.Errorf("active workers = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.SessionTransitions.WithLabelValues("connected")); got != 2 {
		t.Errorf("transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("digest", "failed")); got != 1 {
		t.Errorf("delivery attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDrained); got != 3 {
		t.Errorf("queue drained = %v, want 3", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}
