package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mmynk/pacegroup/internal/metrics"
	"github.com/mmynk/pacegroup/internal/storage"
	"github.com/mmynk/pacegroup/internal/storage/memory"
)

var errFull = errors.New("full")

func TestLogging(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store := Logging(memory.New(), logger)
	defer store.Close()

	if err := store.Write(ctx, "groups/g1/totalSpeed", 0.0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, err := store.Transact(ctx, "groups/g1/members", func(storage.Value) (any, error) {
		return nil, errFull
	})
	if !errors.Is(err, storage.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "op=write") || !strings.Contains(out, "path=groups/g1/totalSpeed") {
		t.Errorf("expected write to be logged, got:\n%s", out)
	}
	if !strings.Contains(out, `msg="Store op aborted"`) || !strings.Contains(out, "attempts=1") {
		t.Errorf("expected aborted transaction to be logged with attempts, got:\n%s", out)
	}
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := Instrument(memory.New(), m)
	defer store.Close()

	for i := 0; i < 3; i++ {
		_, err := store.Transact(ctx, "groups/g1/totalSpeed", func(current storage.Value) (any, error) {
			var total float64
			if err := current.Decode(&total); err != nil {
				return nil, err
			}
			return total + 1, nil
		})
		if err != nil {
			t.Fatalf("Transact failed: %v", err)
		}
	}
	if _, err := store.Read(ctx, "groups/g1"); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	n, err := testutil.GatherAndCount(reg, "pacegroup_store_transaction_attempts_total")
	if err != nil || n != 1 {
		t.Errorf("expected one attempts series, got %d (%v)", n, err)
	}
	n, err = testutil.GatherAndCount(reg, "pacegroup_store_operations_total")
	if err != nil || n != 2 {
		t.Errorf("expected transact and read series, got %d (%v)", n, err)
	}
}

func TestKeyKind(t *testing.T) {
	tests := map[string]string{
		"groups/g1/members":    "members",
		"groups/g1/totalSpeed": "totalSpeed",
		"users/u1/membership":  "membership",
		"root":                 "root",
	}
	for path, want := range tests {
		if got := keyKind(path); got != want {
			t.Errorf("keyKind(%q) = %q, want %q", path, got, want)
		}
	}
}
