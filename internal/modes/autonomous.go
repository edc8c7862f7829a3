package modes

import (
	"context"
	"time"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/detection"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/threat"
)

// AutonomousMode engages enemy-tagged detections without operator input. The
// highest threat is tracked, locked for the dwell time and fired on, followed
// by a cooldown.
type AutonomousMode struct {
	session
	cfg config.AutonomousConfig

	score       float64
	lock        dwellLock
	coolingDown bool
	cooldownAt  time.Time
}

func NewAutonomous(gim Gimbal, eff Effector, cfg config.ModesConfig, opts Options) *AutonomousMode {
	return &AutonomousMode{
		session: newSession(Autonomous, gim, eff, cfg.SessionTimeout, opts, monitoring.Logger("modes")),
		cfg:     cfg.Autonomous,
	}
}

func (m *AutonomousMode) Start(ctx context.Context) error {
	m.reset()
	m.coolingDown = false
	return m.begin(ctx)
}

func (m *AutonomousMode) Stop() {
	m.reset()
	m.end(EventStop)
}

// Suspend drops the target and any lock without ending the session.
func (m *AutonomousMode) Suspend() { m.reset() }

func (m *AutonomousMode) reset() {
	m.target = nil
	m.score = 0
	m.lock.release()
}

func (m *AutonomousMode) Step(ctx context.Context, f detection.Frame, _ Input) {
	if !m.running {
		return
	}
	m.lastError = ""
	m.step(ctx, f)
	m.expire()
}

func (m *AutonomousMode) step(ctx context.Context, f detection.Frame) {
	now := m.clock.Now()
	if m.coolingDown {
		if now.Sub(m.cooldownAt) < m.cfg.Cooldown {
			return
		}
		m.coolingDown = false
		m.log.Debug().Msg("cooldown over")
	}

	center := f.Center()
	enemies := detection.Filter(f.Detections, func(d detection.Detection) bool { return d.IsEnemy })
	if len(enemies) == 0 {
		m.reset()
		return
	}
	top := threat.Prioritize(enemies, center)[0]
	m.acquire(top.Detection)
	m.score = top.Score

	dx, dy := top.Center.Sub(center)
	if err := steerProportional(ctx, m.gim, m.cfg.Gain, dx, dy); err != nil {
		// centering is unknown after a failed move, so the dwell starts over
		m.lock.release()
		m.fail("track", err)
		return
	}

	acquired, ready := m.lock.update(centered(dx, dy, m.cfg.LockTolerancePx), now, m.cfg.Dwell)
	if acquired {
		m.emit(Event{Type: EventLock, Latency: now.Sub(m.acquiredAt)})
		m.log.Info().Str("target", top.Label()).Float64("score", top.Score).Msg("target locked")
	}
	if ready {
		m.fire(top.Detection, now)
	}
}

func (m *AutonomousMode) fire(target detection.Detection, now time.Time) {
	if !target.IsEnemy {
		m.lock.release()
		return
	}
	held := m.lock.heldFor(now)
	if err := m.eff.Fire(0); err != nil {
		m.lock.release()
		m.fail("fire", err)
		m.emit(Event{Type: EventFireFailed, Detail: err.Error()})
		return
	}
	m.emit(Event{Type: EventFire, Latency: held})
	m.log.Info().Str("target", target.Label()).Dur("held", held).Msg("autonomous fire")
	m.reset()
	m.coolingDown = true
	m.cooldownAt = now
}

func (m *AutonomousMode) Snapshot() Snapshot {
	snap := m.snapshot()
	snap.Locked = m.lock.held
	snap.CoolingDown = m.coolingDown
	if m.target != nil {
		snap.ThreatScore = m.score
	}
	return snap
}
