// Package calculator holds the pure arithmetic of group speed aggregation.
//
// Two strategies keep a group's totalSpeed:
//
//   - Recompute: every submission recomputes the sum of current members'
//     speeds inside the aggregate transaction. Self-correcting, costs one
//     read of the group per attempt.
//   - Incremental: every submission adds the difference between the new
//     speed and the value the total last counted for the identity. The
//     counted values are committed with the total, so retries and restarts
//     never count a speed twice.
//
// A deployment picks one strategy for every client.
package calculator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mmynk/pacegroup/internal/models"
)

// Strategy names an aggregation strategy.
type Strategy string

const (
	Recompute   Strategy = "recompute"
	Incremental Strategy = "incremental"
)

// MaxSpeed bounds accepted samples (mph). Anything faster is a sensor
// glitch, not a cyclist.
const MaxSpeed = 200.0

// epsilon absorbs float error when an incremental total should be zero.
const epsilon = 1e-9

// ErrInvalidSpeed is returned for negative, non-finite or implausible
// speeds.
var ErrInvalidSpeed = errors.New("invalid speed")

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case Recompute, "":
		return Recompute, nil
	case Incremental:
		return Incremental, nil
	default:
		return "", fmt.Errorf("unknown aggregate strategy %q", name)
	}
}

// ValidateSpeed rejects speeds that must never reach the store.
func ValidateSpeed(speed float64) error {
	switch {
	case math.IsNaN(speed) || math.IsInf(speed, 0):
		return fmt.Errorf("%w: %v is not finite", ErrInvalidSpeed, speed)
	case speed < 0:
		return fmt.Errorf("%w: %v is negative", ErrInvalidSpeed, speed)
	case speed > MaxSpeed:
		return fmt.Errorf("%w: %v exceeds %v mph", ErrInvalidSpeed, speed, MaxSpeed)
	}
	return nil
}

// MemberSum returns the sum of the speeds of current members. Speeds of
// identities that are not members are ignored. Summation runs in identity
// order so every client computes bit-identical totals.
func MemberSum(members map[models.Identity]bool, speeds map[models.Identity]float64) float64 {
	ids := make([]string, 0, len(members))
	for id, present := range members {
		if present {
			ids = append(ids, string(id))
		}
	}
	sort.Strings(ids)

	total := 0.0
	for _, id := range ids {
		total += speeds[models.Identity(id)]
	}
	return total
}

// Counted returns the speeds of current members that have one, the set
// MemberSum adds up.
func Counted(members map[models.Identity]bool, speeds map[models.Identity]float64) map[models.Identity]float64 {
	counted := make(map[models.Identity]float64, len(members))
	for id, present := range members {
		if speed, ok := speeds[id]; present && ok {
			counted[id] = speed
		}
	}
	return counted
}

// ApplyDelta returns total adjusted by the change from previous to next,
// clamped at zero.
func ApplyDelta(total, previous, next float64) float64 {
	updated := total + (next - previous)
	if updated < epsilon {
		return 0
	}
	return updated
}

// MetersPerSecondToMPH converts a location-provider speed to mph.
func MetersPerSecondToMPH(mps float64) float64 {
	return mps * 2.2369362920544
}
