package modes

import (
	"context"
	"strings"
	"time"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/detection"
	"github.com/banshee-data/turret/internal/monitoring"
)

// Stage is one state of the engagement sequence.
type Stage int

const (
	ScanQr Stage = iota
	ScanShape
	AwaitConfirmation
	MoveToBoard
	SearchTarget
	TrackTarget
	Completed
)

var stageNames = [...]string{
	ScanQr:            "scan_qr",
	ScanShape:         "scan_shape",
	AwaitConfirmation: "await_confirmation",
	MoveToBoard:       "move_to_board",
	SearchTarget:      "search_target",
	TrackTarget:       "track_target",
	Completed:         "completed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// EngagementMode reads the target board from a QR code, takes the target
// appearance from the operator, turns to the board and engages the matching
// balloon. It advances at most one stage per frame.
type EngagementMode struct {
	session
	cfg       config.EngagementConfig
	track     config.AutonomousConfig
	boards    map[string]bool
	stage     Stage
	board     string
	color     string
	shape     string
	lock      dwellLock
	firedAt   time.Time
	recalDone bool
}

// NewEngagement builds the engagement mode. Only ids in boards are accepted
// from QR codes.
func NewEngagement(gim Gimbal, eff Effector, cfg config.ModesConfig, boards []string, opts Options) *EngagementMode {
	m := &EngagementMode{
		session: newSession(Engagement, gim, eff, cfg.SessionTimeout, opts, monitoring.Logger("modes")),
		cfg:     cfg.Engagement,
		track:   cfg.Autonomous,
		boards:  make(map[string]bool, len(boards)),
	}
	for _, b := range boards {
		m.boards[b] = true
	}
	return m
}

func (m *EngagementMode) Start(ctx context.Context) error {
	m.restart()
	return m.begin(ctx)
}

func (m *EngagementMode) Stop() {
	m.lock.release()
	m.end(EventStop)
}

// Suspend drops the target and any lock. The stage is kept; TrackTarget
// re-acquires from the next frame.
func (m *EngagementMode) Suspend() {
	m.target = nil
	m.lock.release()
}

// Stage returns the current stage.
func (m *EngagementMode) Stage() Stage { return m.stage }

// restart returns to ScanQr with every selection cleared.
func (m *EngagementMode) restart() {
	m.stage = ScanQr
	m.board, m.color, m.shape = "", "", ""
	m.target = nil
	m.lock.release()
	m.recalDone = false
}

func (m *EngagementMode) enter(next Stage) {
	if next == m.stage {
		return
	}
	prev := m.stage
	m.stage = next
	m.emit(Event{Type: EventStage, Detail: prev.String() + " -> " + next.String()})
	m.log.Info().Stringer("from", prev).Stringer("to", next).Msg("stage")
}

func (m *EngagementMode) Step(ctx context.Context, f detection.Frame, in Input) {
	if !m.running {
		return
	}
	m.lastError = ""
	switch m.stage {
	case ScanQr:
		m.scanQr(f)
	case ScanShape:
		m.scanShape(f, in)
	case AwaitConfirmation:
		m.awaitConfirmation(in)
	case MoveToBoard:
		m.moveToBoard(ctx)
	case SearchTarget:
		m.search(f)
	case TrackTarget:
		m.trackTarget(ctx, f)
	case Completed:
		m.completed(ctx)
	default:
		m.log.Error().Int("stage", int(m.stage)).Msg("unknown stage")
		m.restart()
	}
	m.expire()
}

func (m *EngagementMode) scanQr(f detection.Frame) {
	for _, d := range f.Detections {
		if d.QRText == "" {
			continue
		}
		text := strings.TrimSpace(d.QRText)
		if !m.boards[text] {
			m.log.Warn().Str("qr_text", d.QRText).Msg("qr code does not name a known board")
			continue
		}
		m.board = text
		m.log.Info().Str("board", text).Msg("target board selected")
		m.enter(ScanShape)
		return
	}
}

func (m *EngagementMode) scanShape(f detection.Frame, in Input) {
	if sel := in.Selected; sel != nil {
		switch {
		case sel.ByAppearance():
			m.selectAppearance(sel.Color, sel.Shape)
		case sel.Point != nil:
			for _, d := range f.Detections {
				if d.IsBalloon() && d.HasAppearance() && d.Box.Contains(*sel.Point) {
					m.selectAppearance(d.Color, d.Shape)
					return
				}
			}
			m.log.Debug().Float64("x", sel.Point.X).Float64("y", sel.Point.Y).Msg("selection hit no classified balloon")
		}
		return
	}
	for _, d := range f.Detections {
		if d.IsBalloon() && d.HasAppearance() {
			m.selectAppearance(d.Color, d.Shape)
			return
		}
	}
}

func (m *EngagementMode) selectAppearance(color, shape string) {
	m.color, m.shape = color, shape
	m.log.Info().Str("color", color).Str("shape", shape).Msg("target appearance selected")
	m.enter(AwaitConfirmation)
}

func (m *EngagementMode) awaitConfirmation(in Input) {
	switch {
	case in.Cancel:
		m.log.Info().Msg("engagement cancelled")
		m.enter(ScanQr)
		m.restart()
	case in.Confirm:
		m.log.Info().Msg("engagement confirmed")
		m.enter(MoveToBoard)
	}
}

func (m *EngagementMode) moveToBoard(ctx context.Context) {
	if err := m.gim.MoveToBoard(ctx, m.board); err != nil {
		m.fail("move to board", err)
		m.enter(ScanQr)
		m.restart()
		return
	}
	m.enter(SearchTarget)
}

func (m *EngagementMode) matching(f detection.Frame) (detection.Detection, bool) {
	return detection.Closest(detection.Filter(f.Detections, func(d detection.Detection) bool {
		return d.Matches(m.color, m.shape)
	}), f.Center())
}

func (m *EngagementMode) search(f detection.Frame) {
	target, ok := m.matching(f)
	if !ok {
		return
	}
	m.acquire(target)
	m.enter(TrackTarget)
}

func (m *EngagementMode) trackTarget(ctx context.Context, f detection.Frame) {
	target, ok := m.matching(f)
	if !ok {
		m.log.Warn().Msg("target left the field of view")
		m.target = nil
		m.lock.release()
		m.enter(SearchTarget)
		return
	}
	m.acquire(target)

	center := f.Center()
	dx, dy := target.Center.Sub(center)
	if err := steerProportional(ctx, m.gim, m.track.Gain, dx, dy); err != nil {
		m.lock.release()
		m.fail("track", err)
		return
	}

	now := m.clock.Now()
	acquired, ready := m.lock.update(centered(dx, dy, m.track.LockTolerancePx), now, m.track.Dwell)
	if acquired {
		m.emit(Event{Type: EventLock, Latency: now.Sub(m.acquiredAt)})
		m.log.Info().Str("target", target.Label()).Msg("target locked")
	}
	if !ready {
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
	m.log.Info().Str("target", target.Label()).Msg("engagement fire")
	m.lock.release()
	m.firedAt = now
	m.recalDone = false
	m.enter(Completed)
}

// completed recalibrates once and, after the completion cooldown, starts over.
func (m *EngagementMode) completed(ctx context.Context) {
	if !m.recalDone {
		m.recalDone = true
		if err := m.gim.Calibrate(ctx); err != nil {
			m.fail("calibrate", err)
		}
	}
	if m.clock.Since(m.firedAt) < m.cfg.CompletionCooldown {
		return
	}
	m.log.Info().Msg("ready for a new engagement")
	m.enter(ScanQr)
	m.restart()
}

func (m *EngagementMode) Snapshot() Snapshot {
	snap := m.snapshot()
	snap.Stage = m.stage.String()
	snap.Locked = m.lock.held
	snap.Board = m.board
	snap.Color = m.color
	snap.Shape = m.shape
	return snap
}
