package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	a := map[string]any{"u2": true, "u1": true, "u3": true}
	b := map[string]any{"u3": true, "u1": true, "u2": true}

	for i := 0; i < 20; i++ {
		encodedA, err := Marshal(a)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		encodedB, err := Marshal(b)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.Equal(encodedA, encodedB) {
			t.Fatalf("equal maps encoded differently: %x vs %x", encodedA, encodedB)
		}
	}
}

func TestRawMessageEmbedsInTree(t *testing.T) {
	leaf, err := Marshal(12.5)
	if err != nil {
		t.Fatalf("Marshal leaf failed: %v", err)
	}

	tree := map[string]any{
		"totalSpeed": RawMessage(leaf),
		"members":    map[string]any{"u1": RawMessage(mustMarshal(t, true))},
	}
	encoded, err := Marshal(tree)
	if err != nil {
		t.Fatalf("Marshal tree failed: %v", err)
	}

	var decoded struct {
		TotalSpeed float64         `cbor:"totalSpeed"`
		Members    map[string]bool `cbor:"members"`
	}
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.TotalSpeed != 12.5 {
		t.Errorf("TotalSpeed = %v, want 12.5", decoded.TotalSpeed)
	}
	if !decoded.Members["u1"] {
		t.Errorf("Members = %v, want u1 present", decoded.Members)
	}
}

func TestUnmarshalAnyMapUsesStringKeys(t *testing.T) {
	encoded := mustMarshal(t, map[string]any{"a": 1.5})

	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", decoded)
	}
	if m["a"] != 1.5 {
		t.Errorf("a = %v, want 1.5", m["a"])
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal(%v) failed: %v", v, err)
	}
	return data
}
