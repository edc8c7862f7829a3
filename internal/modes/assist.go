package modes

import (
	"context"
	"math"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/detection"
	"github.com/banshee-data/turret/internal/monitoring"
)

// AssistMode tracks the monitored detection nearest the frame center and
// fires only when the operator asks while the target is locked.
type AssistMode struct {
	session
	cfg     config.AssistConfig
	classes map[string]bool
	locked  bool
}

func NewAssist(gim Gimbal, eff Effector, cfg config.ModesConfig, classes []string, opts Options) *AssistMode {
	m := &AssistMode{
		session: newSession(Assist, gim, eff, cfg.SessionTimeout, opts, monitoring.Logger("modes")),
		cfg:     cfg.Assist,
		classes: make(map[string]bool, len(classes)),
	}
	for _, c := range classes {
		m.classes[c] = true
	}
	return m
}

func (m *AssistMode) Start(ctx context.Context) error {
	m.locked = false
	return m.begin(ctx)
}

func (m *AssistMode) Stop() {
	m.locked = false
	m.end(EventStop)
}

// Suspend drops the target and the lock.
func (m *AssistMode) Suspend() {
	m.target = nil
	m.locked = false
}

// monitored reports whether d belongs to the tracked classes. With no classes
// configured every balloon is tracked.
func (m *AssistMode) monitored(d detection.Detection) bool {
	if len(m.classes) == 0 {
		return d.IsBalloon()
	}
	return m.classes[d.Class]
}

// Step runs one cycle against f.
func (m *AssistMode) Step(ctx context.Context, f detection.Frame, in Input) {
	if !m.running {
		return
	}
	m.lastError = ""
	m.step(ctx, f, in)
	m.expire()
}

func (m *AssistMode) step(ctx context.Context, f detection.Frame, in Input) {
	center := f.Center()
	target, ok := detection.Closest(detection.Filter(f.Detections, m.monitored), center)
	if !ok {
		m.target = nil
		m.locked = false
		if in.Fire {
			m.log.Debug().Msg("fire request ignored: no target")
		}
		return
	}
	m.acquire(target)

	dx, dy := target.Center.Sub(center)
	m.steer(ctx, f, target, dx, dy)

	isLocked := centered(dx, dy, m.cfg.LockTolerancePx) && target.Confidence > m.cfg.MinLockConfidence
	switch {
	case isLocked && !m.locked:
		m.locked = true
		m.emit(Event{Type: EventLock, Latency: m.clock.Since(m.acquiredAt)})
		m.log.Info().Str("target", target.Label()).Msg("target locked")
	case !isLocked:
		m.locked = false
	}

	if in.Fire {
		m.fire(dx, dy)
	}
}

func (m *AssistMode) steer(ctx context.Context, f detection.Frame, target detection.Detection, dx, dy float64) {
	center := f.Center()
	factor := assistFactor(math.Hypot(dx, dy), target.Confidence)
	sh := assistStep(dx, center.X, factor)
	sv := assistStep(dy, center.Y, factor)
	if sh == 0 && sv == 0 {
		return
	}
	p := m.gim.Position()
	speed := int(assistBaseSpeed + assistBaseSpeed*factor)
	if err := m.gim.MoveTo(ctx, p.Heading+sh, p.Elevation+sv, speed, false); err != nil {
		m.fail("track", err)
	}
}

// fire handles an operator fire request. The centering is checked again and
// a drifted target cancels the request.
func (m *AssistMode) fire(dx, dy float64) {
	if !m.locked {
		m.log.Debug().Msg("fire request ignored: not locked")
		return
	}
	tol := m.cfg.LockTolerancePx
	if math.Abs(dx) > tol || math.Abs(dy) > tol {
		m.locked = false
		m.log.Info().Float64("dx", dx).Float64("dy", dy).Msg("fire cancelled: target off center")
		return
	}
	if err := m.eff.Fire(m.cfg.FireDuration); err != nil {
		m.locked = false
		m.fail("fire", err)
		m.emit(Event{Type: EventFireFailed, Detail: err.Error()})
		return
	}
	m.emit(Event{Type: EventFire, Detail: m.cfg.FireDuration.String()})
	m.log.Info().Dur("duration", m.cfg.FireDuration).Msg("operator fire")
	m.locked = false
	m.target = nil
}

func (m *AssistMode) Snapshot() Snapshot {
	snap := m.snapshot()
	snap.Locked = m.locked
	return snap
}
