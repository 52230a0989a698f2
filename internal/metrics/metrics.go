// Package metrics defines the prometheus collectors recorded by the store
// decorators and the group services. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmynk/pacegroup/internal/storage"
)

const namespace = "pacegroup"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeAborted     = "aborted"
	OutcomeConflict    = "conflict"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Metrics holds every collector pacegroup exports.
type Metrics struct {
	storeOps            *prometheus.CounterVec
	storeLatency        *prometheus.HistogramVec
	transactionAttempts *prometheus.CounterVec
	membership          *prometheus.CounterVec
	samples             *prometheus.CounterVec
	snapshots           prometheus.Counter
	subscriptions       prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"op"}),
		transactionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "transaction_attempts_total",
			Help:      "Invocations of transaction update functions, by key kind.",
		}, []string{"key"}),
		membership: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "membership_operations_total",
			Help:      "Create, join and leave operations by outcome.",
		}, []string{"op", "outcome"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "speed",
			Name:      "samples_total",
			Help:      "Speed samples submitted, by outcome.",
		}, []string{"outcome"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "snapshots_delivered_total",
			Help:      "Group snapshots delivered to observers after deduplication.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "open",
			Help:      "Group subscriptions currently open.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.storeOps,
			m.storeLatency,
			m.transactionAttempts,
			m.membership,
			m.samples,
			m.snapshots,
			m.subscriptions,
		)
	}
	return m
}

// Outcome classifies err into an outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, storage.ErrUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, storage.ErrAborted):
		return OutcomeAborted
	case errors.Is(err, storage.ErrConflict):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

// ObserveStoreOp records one store operation.
func (m *Metrics) ObserveStoreOp(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op, Outcome(err)).Inc()
	m.storeLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// TransactionAttempt records one invocation of an update function on a key
// of the given kind (e.g. "members", "totalSpeed").
func (m *Metrics) TransactionAttempt(key string) {
	if m == nil {
		return
	}
	m.transactionAttempts.WithLabelValues(key).Inc()
}

// Membership records the outcome of a create, join or leave.
func (m *Metrics) Membership(op string, err error) {
	if m == nil {
		return
	}
	m.membership.WithLabelValues(op, Outcome(err)).Inc()
}

// Sample records the outcome of one speed submission.
func (m *Metrics) Sample(err error) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(Outcome(err)).Inc()
}

// SnapshotDelivered counts one snapshot handed to an observer.
func (m *Metrics) SnapshotDelivered() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// SubscriptionOpened and SubscriptionClosed track open subscriptions.
func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}
