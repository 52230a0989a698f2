package calculator

import (
	"errors"
	"math"
	"testing"

	"github.com/mmynk/pacegroup/internal/models"
)

func TestMemberSum(t *testing.T) {
	tests := []struct {
		name    string
		members map[models.Identity]bool
		speeds  map[models.Identity]float64
		want    float64
	}{
		{
			name:    "two members",
			members: map[models.Identity]bool{"u1": true, "u2": true},
			speeds:  map[models.Identity]float64{"u1": 10, "u2": 15},
			want:    25,
		},
		{
			name:    "member without a speed counts as zero",
			members: map[models.Identity]bool{"u1": true, "u2": true},
			speeds:  map[models.Identity]float64{"u1": 10},
			want:    10,
		},
		{
			name:    "speed of a departed member is ignored",
			members: map[models.Identity]bool{"u1": true},
			speeds:  map[models.Identity]float64{"u1": 10, "gone": 99},
			want:    10,
		},
		{
			name:    "empty group",
			members: map[models.Identity]bool{},
			speeds:  nil,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MemberSum(tt.members, tt.speeds)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("MemberSum = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemberSumIsOrderIndependent(t *testing.T) {
	members := map[models.Identity]bool{}
	speeds := map[models.Identity]float64{}
	for i, id := range []models.Identity{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		members[id] = true
		speeds[id] = 0.1 * float64(i+1)
	}

	first := MemberSum(members, speeds)
	for i := 0; i < 50; i++ {
		if got := MemberSum(members, speeds); got != first {
			t.Fatalf("MemberSum not deterministic: %v vs %v", got, first)
		}
	}
}

func TestCounted(t *testing.T) {
	members := map[models.Identity]bool{"u1": true, "u2": true}
	speeds := map[models.Identity]float64{"u1": 10, "gone": 99}

	got := Counted(members, speeds)
	if len(got) != 1 || got["u1"] != 10 {
		t.Errorf("Counted = %v, want only u1:10", got)
	}
}

func TestApplyDelta(t *testing.T) {
	tests := []struct {
		name                  string
		total, previous, next float64
		want                  float64
	}{
		{"first submission", 0, 0, 10, 10},
		{"speed increase", 25, 10, 12, 27},
		{"speed decrease", 25, 15, 5, 15},
		{"withdrawal", 25, 10, 0, 15},
		{"clamps float residue", 0.1 + 0.2, 0.3, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyDelta(tt.total, tt.previous, tt.next)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("ApplyDelta(%v, %v, %v) = %v, want %v", tt.total, tt.previous, tt.next, got, tt.want)
			}
		})
	}
}

func TestValidateSpeed(t *testing.T) {
	valid := []float64{0, 3.5, 25, MaxSpeed}
	for _, v := range valid {
		if err := ValidateSpeed(v); err != nil {
			t.Errorf("ValidateSpeed(%v) = %v, want nil", v, err)
		}
	}

	invalid := []float64{-1, math.NaN(), math.Inf(1), MaxSpeed + 1}
	for _, v := range invalid {
		if err := ValidateSpeed(v); !errors.Is(err, ErrInvalidSpeed) {
			t.Errorf("ValidateSpeed(%v) = %v, want ErrInvalidSpeed", v, err)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", Recompute, false},
		{"recompute", Recompute, false},
		{"Incremental", Incremental, false},
		{"average", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMetersPerSecondToMPH(t *testing.T) {
	if got := MetersPerSecondToMPH(10); math.Abs(got-22.369) > 0.001 {
		t.Errorf("MetersPerSecondToMPH(10) = %v, want ~22.369", got)
	}
}
