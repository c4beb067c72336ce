package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	LockAcquireDuration.WithLabelValues("draft").Observe(0.2)
	LockTimeoutCounter.WithLabelValues("draft").Inc()
	TxCounter.WithLabelValues("committed").Inc()
	StaleConflictCounter.WithLabelValues("draft").Inc()
	EventsPublished.Inc()
	LeaderGauge.WithLabelValues("waiver_run").Set(1)
	WatcherGauge.Set(5)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 7 {
		t.Fatalf("expected metrics registered, got %d families", len(mfs))
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
