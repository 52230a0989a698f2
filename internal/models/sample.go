package models

import "time"

// SpeedSample is one reading emitted by a sample feed. Speed is in mph.
type SpeedSample struct {
	Timestamp time.Time
	Speed     float64
}
