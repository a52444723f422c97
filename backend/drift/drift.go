// Package drift decides when a peer has to re-seek to stay aligned with
// authoritative session position.
package drift

import (
	"math"
	"time"

	"github.com/adwski/watchparty/backend/model"
)

const (
	DefaultTolerance = time.Second
	DefaultInterval  = 5 * time.Second
)

// Correction is the outcome of comparing local position with authoritative one.
type Correction struct {
	// Target is estimated true current position, seconds.
	Target float64
	// Drift is local minus target, seconds.
	Drift float64
	// Seek reports whether drift is large enough to re-seek.
	Seek bool
}

type Corrector struct {
	tolerance float64
}

func NewCorrector(tolerance time.Duration) *Corrector {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Corrector{tolerance: tolerance.Seconds()}
}

// Estimate returns authoritative position at receiveTime (ms since epoch).
// One-way latency is receiveTime - serverTime; it is only added while playing
// and never negative, so skewed local clocks cannot move playback backwards.
func Estimate(st model.SyncState, receiveTime int64) float64 {
	if !st.Playing {
		return st.Position
	}
	latency := receiveTime - st.ServerTime
	if latency < 0 {
		latency = 0
	}
	return st.Position + float64(latency)/1000
}

// Check compares local playback position with sync reply received at receiveTime.
// Differences within tolerance are suppressed to avoid visible jitter.
func (c *Corrector) Check(st model.SyncState, receiveTime int64, local float64) Correction {
	target := Estimate(st, receiveTime)
	diff := local - target
	return Correction{
		Target: target,
		Drift:  diff,
		Seek:   math.Abs(diff) > c.tolerance,
	}
}
