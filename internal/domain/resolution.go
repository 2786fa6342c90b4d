package domain

import (
	"fmt"
	"time"
)

// Resolution is the fixed period length of a bar.
type Resolution string

// Supported bar resolutions.
const (
	Resolution30s Resolution = "30s"
	Resolution1m  Resolution = "1m"
	Resolution15m Resolution = "15m"
)

// AllResolutions lists every resolution the engine aggregates simultaneously.
var AllResolutions = []Resolution{Resolution30s, Resolution1m, Resolution15m}

// resolutionPeriods maps each resolution to its period length in milliseconds.
var resolutionPeriods = map[Resolution]int64{
	Resolution30s: 30_000,
	Resolution1m:  60_000,
	Resolution15m: 900_000,
}

// PeriodMs returns the period length in milliseconds. Zero for unknown resolutions.
func (r Resolution) PeriodMs() int64 {
	return resolutionPeriods[r]
}

// Duration returns the period length as a time.Duration.
func (r Resolution) Duration() time.Duration {
	return time.Duration(r.PeriodMs()) * time.Millisecond
}

// Valid reports whether r is one of the supported resolutions.
func (r Resolution) Valid() bool {
	_, ok := resolutionPeriods[r]
	return ok
}

// PeriodStart returns the wall-clock-aligned period start for a timestamp:
// the largest multiple of the period length <= tsMs. A trade exactly on a
// boundary belongs to the period starting at that boundary.
func (r Resolution) PeriodStart(tsMs int64) int64 {
	period := r.PeriodMs()
	if period == 0 {
		return tsMs
	}
	return tsMs - tsMs%period
}

// ParseResolution parses a resolution string like "30s", "1m", "15m".
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown resolution %q", s)
	}
	return r, nil
}
