package modes

import (
	"context"
	"math"
	"time"
)

// Assist gain shaping.
const (
	fullGainDistancePx = 100.0
	fullGainConfidence = 0.6
	assistGainBase     = 0.05
	minStepDeg         = 0.05
	assistBaseSpeed    = 50.0
)

// gimbalDefaultSpeed makes the gimbal use its configured speed.
const gimbalDefaultSpeed = 0

// centered reports whether both offsets are strictly inside tol.
func centered(dx, dy, tol float64) bool {
	return math.Abs(dx) < tol && math.Abs(dy) < tol
}

// assistFactor scales the assist gain down for close or low-confidence targets.
func assistFactor(dist, confidence float64) float64 {
	f := math.Min(1, dist/fullGainDistancePx)
	if confidence < fullGainConfidence {
		f *= confidence / fullGainConfidence
	}
	return f
}

// assistStep converts a pixel offset on one axis into a heading or elevation
// step. The gain grows with the offset relative to the half-frame. Steps
// under minStepDeg are dropped.
func assistStep(d, half, factor float64) float64 {
	if half <= 0 {
		return 0
	}
	step := d * (assistGainBase + assistGainBase*math.Abs(d)/half) * factor
	if math.Abs(step) < minStepDeg {
		return 0
	}
	return step
}

// steerProportional moves the gimbal by gain degrees per pixel of offset from
// the current position and waits for the move to be confirmed.
func steerProportional(ctx context.Context, g Gimbal, gain, dx, dy float64) error {
	p := g.Position()
	return g.MoveTo(ctx, p.Heading+dx*gain, p.Elevation+dy*gain, gimbalDefaultSpeed, true)
}

// dwellLock tracks how long a target has stayed centered.
type dwellLock struct {
	held  bool
	since time.Time
}

// update folds in this cycle's centering. acquired is true on the cycle the
// lock is taken; ready once it has been held for at least dwell.
func (l *dwellLock) update(isCentered bool, now time.Time, dwell time.Duration) (acquired, ready bool) {
	if !isCentered {
		l.release()
		return false, false
	}
	if !l.held {
		l.held = true
		l.since = now
		acquired = true
	}
	return acquired, now.Sub(l.since) >= dwell
}

func (l *dwellLock) release() {
	l.held = false
	l.since = time.Time{}
}

func (l *dwellLock) heldFor(now time.Time) time.Duration {
	if !l.held {
		return 0
	}
	return now.Sub(l.since)
}
