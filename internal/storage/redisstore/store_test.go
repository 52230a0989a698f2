package redisstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/pacegroup/internal/storage"
	"github.com/mmynk/pacegroup/internal/testutil"
)

func TestEscapeGlob(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pacegroup:groups/g1/", "pacegroup:groups/g1/"},
		{"a*b", `a\*b`},
		{"a?b[c]", `a\?b\[c\]`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyMapping(t *testing.T) {
	s := &Store{namespace: "ns:"}
	if got := s.key("groups/g1/members"); got != "ns:groups/g1/members" {
		t.Errorf("key = %q", got)
	}
	if got := s.path("ns:groups/g1/members"); got != "groups/g1/members" {
		t.Errorf("path = %q", got)
	}
}

// TestRedisStore runs against a live server when PACEGROUP_TEST_REDIS_ADDR
// is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PACEGROUP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PACEGROUP_TEST_REDIS_ADDR not set")
	}

	store, err := New(Config{Addr: addr, Namespace: "pacegroup-test-" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	t.Run("Read assembles a subtree", func(t *testing.T) {
		err := store.Update(ctx, map[string]any{
			"groups/g1/members":    map[string]bool{"u1": true},
			"groups/g1/totalSpeed": 10.0,
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		v, err := store.Read(ctx, "groups/g1")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		var group struct {
			Members    map[string]bool `cbor:"members"`
			TotalSpeed float64         `cbor:"totalSpeed"`
		}
		if err := v.Decode(&group); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !group.Members["u1"] || group.TotalSpeed != 10 {
			t.Errorf("unexpected group %+v", group)
		}
	})

	t.Run("Transact has no lost updates under contention", func(t *testing.T) {
		const writers = 10
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Transact(ctx, "counter", func(current storage.Value) (any, error) {
					var n float64
					if err := current.Decode(&n); err != nil {
						return nil, err
					}
					return n + 1, nil
				})
				if err != nil {
					t.Errorf("Transact failed: %v", err)
				}
			}()
		}
		wg.Wait()

		v, err := store.Read(ctx, "counter")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		var n float64
		v.Decode(&n)
		if n != writers {
			t.Errorf("counter = %v, want %d", n, writers)
		}
	})

	t.Run("Subscribe sees writes", func(t *testing.T) {
		values := make(chan storage.Value, 16)
		handle, err := store.Subscribe(ctx, "groups/g2", func(v storage.Value) { values <- v }, nil)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer store.Unsubscribe(handle)
		testutil.RequireReceive(t, values, 5*time.Second, "initial delivery")

		if err := store.Write(ctx, "groups/g2/totalSpeed", 3.0); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		v := testutil.RequireReceive(t, values, 5*time.Second, "delivery after write")
		if !v.Exists() {
			t.Error("expected delivered value to exist")
		}
	})
}
