package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mmynk/pacegroup/internal/storage"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{fmt.Errorf("%w: dial tcp", storage.ErrUnavailable), OutcomeUnavailable},
		{fmt.Errorf("%w at groups/g/members: full", storage.ErrAborted), OutcomeAborted},
		{storage.ErrConflict, OutcomeConflict},
		{errors.New("boom"), OutcomeError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStoreOp("read", time.Millisecond, nil)
	m.TransactionAttempt("members")
	m.Membership("join", nil)
	m.Sample(nil)
	m.SnapshotDelivered()
	m.SubscriptionOpened()
	m.SubscriptionClosed()
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStoreOp("transact", 2*time.Millisecond, storage.ErrConflict)
	m.ObserveStoreOp("transact", time.Millisecond, nil)
	m.Membership("join", nil)
	m.SnapshotDelivered()
	m.SnapshotDelivered()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	ops := byName["pacegroup_store_operations_total"]
	if ops == nil || len(ops.GetMetric()) != 2 {
		t.Fatalf("expected 2 store operation series, got %v", ops)
	}

	snaps := byName["pacegroup_subscription_snapshots_delivered_total"]
	if snaps == nil {
		t.Fatal("snapshot counter not gathered")
	}
	if got := snaps.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("snapshots delivered = %v, want 2", got)
	}
}
