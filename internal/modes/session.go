package modes

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/detection"
	"github.com/banshee-data/turret/internal/gimbal"
	"github.com/banshee-data/turret/internal/timeutil"
)

// Gimbal is the slice of the gimbal controller the modes drive.
type Gimbal interface {
	MoveTo(ctx context.Context, heading, elevation float64, speed int, wait bool) error
	MoveToBoard(ctx context.Context, id string) error
	Position() gimbal.Position
	Calibrate(ctx context.Context) error
	Stop() error
}

// Effector is the slice of the effector controller the modes drive.
type Effector interface {
	Fire(d time.Duration) error
	Stop() error
	IsActive() bool
}

// EventType names a journaled mode event.
type EventType string

const (
	EventStart      EventType = "mode_start"
	EventStop       EventType = "mode_stop"
	EventTimeout    EventType = "session_timeout"
	EventLock       EventType = "lock"
	EventFire       EventType = "fire"
	EventFireFailed EventType = "fire_failed"
	EventStage      EventType = "stage"
)

// Event is one notable thing a mode did. Latency is set on lock events (time
// since the target was first seen) and fire events (time the lock was held).
type Event struct {
	Time      time.Time     `json:"time"`
	Mode      Kind          `json:"mode"`
	Type      EventType     `json:"type"`
	Detail    string        `json:"detail,omitempty"`
	Target    string        `json:"target,omitempty"`
	Heading   float64       `json:"heading"`
	Elevation float64       `json:"elevation"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// Snapshot is the externally visible state of a mode after a cycle.
type Snapshot struct {
	Mode        Kind                 `json:"mode"`
	Running     bool                 `json:"running"`
	Elapsed     time.Duration        `json:"elapsed"`
	Stage       string               `json:"stage,omitempty"`
	Target      *detection.Detection `json:"target,omitempty"`
	ThreatScore float64              `json:"threat_score,omitempty"`
	Locked      bool                 `json:"locked"`
	CoolingDown bool                 `json:"cooling_down,omitempty"`
	Board       string               `json:"board,omitempty"`
	Color       string               `json:"color,omitempty"`
	Shape       string               `json:"shape,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
}

// Options carries optional collaborators. The zero value is usable.
type Options struct {
	Clock   timeutil.Clock
	Logger  *zerolog.Logger
	OnEvent func(Event)
}

// session is the bookkeeping every mode shares: the running flag, the session
// deadline, the acquired target and the last error of the current cycle.
type session struct {
	kind    Kind
	gim     Gimbal
	eff     Effector
	clock   timeutil.Clock
	log     zerolog.Logger
	onEvent func(Event)
	timeout time.Duration

	running   bool
	started   time.Time
	lastError string

	target     *detection.Detection
	acquiredAt time.Time
}

func newSession(kind Kind, gim Gimbal, eff Effector, timeout time.Duration, opts Options, log zerolog.Logger) session {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return session{
		kind:    kind,
		gim:     gim,
		eff:     eff,
		clock:   opts.Clock,
		log:     log.With().Str("mode", kind.String()).Logger(),
		onEvent: opts.OnEvent,
		timeout: timeout,
	}
}

// begin marks the session running and calibrates the gimbal. A failed
// calibration is reported but the session keeps running.
func (s *session) begin(ctx context.Context) error {
	s.running = true
	s.started = s.clock.Now()
	s.lastError = ""
	s.target = nil
	s.emit(Event{Type: EventStart})
	s.log.Info().Msg("mode started")

	if err := s.gim.Calibrate(ctx); err != nil {
		s.fail("calibrate", err)
		return err
	}
	return nil
}

// end stops the effector and then the gimbal. Stop failures are logged only.
func (s *session) end(reason EventType) {
	if !s.running {
		return
	}
	s.running = false
	if err := s.eff.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("effector stop failed")
	}
	if err := s.gim.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("gimbal stop failed")
	}
	s.target = nil
	s.emit(Event{Type: reason})
	s.log.Info().Str("reason", string(reason)).Dur("elapsed", s.clock.Since(s.started)).Msg("mode stopped")
}

func (s *session) Running() bool { return s.running }

func (s *session) Kind() Kind { return s.kind }

// expire ends the session once it has run past its timeout.
func (s *session) expire() {
	if s.running && s.clock.Since(s.started) > s.timeout {
		s.end(EventTimeout)
	}
}

// fail records err as this cycle's error.
func (s *session) fail(op string, err error) {
	s.lastError = fmt.Sprintf("%s: %v", op, err)
	s.log.Warn().Err(err).Str("op", op).Msg("could not act this cycle")
}

// acquire records d as the current target, remembering when a target was
// first seen after an empty cycle.
func (s *session) acquire(d detection.Detection) {
	if s.target == nil {
		s.acquiredAt = s.clock.Now()
	}
	s.target = &d
}

func (s *session) emit(ev Event) {
	if s.onEvent == nil {
		return
	}
	ev.Time = s.clock.Now()
	ev.Mode = s.kind
	p := s.gim.Position()
	ev.Heading, ev.Elevation = p.Heading, p.Elevation
	if ev.Target == "" && s.target != nil {
		ev.Target = s.target.Label()
	}
	s.onEvent(ev)
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		Mode:      s.kind,
		Running:   s.running,
		LastError: s.lastError,
	}
	if s.running {
		snap.Elapsed = s.clock.Since(s.started)
	}
	if s.target != nil {
		t := *s.target
		snap.Target = &t
	}
	return snap
}
