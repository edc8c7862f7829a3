// Package turret wires the device link, the controllers, the safety
// supervisor and the modes into one control loop.
package turret

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/db"
	"github.com/banshee-data/turret/internal/detection"
	"github.com/banshee-data/turret/internal/devicelink"
	"github.com/banshee-data/turret/internal/effector"
	"github.com/banshee-data/turret/internal/gimbal"
	"github.com/banshee-data/turret/internal/modes"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/safety"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/version"
)

// SlowCycle is the processing time above which a cycle is logged.
const SlowCycle = 50 * time.Millisecond

// Journal receives events and telemetry samples. *db.Writer implements it.
type Journal interface {
	Event(db.Event)
	Telemetry(db.TelemetrySample)
}

// Options carries optional collaborators. The zero value is usable.
type Options struct {
	Clock    timeutil.Clock
	Journal  Journal
	Health   *monitoring.Health
	TestMode bool
}

// Status is everything the operator surfaces show after a cycle or a poll.
type Status struct {
	Version        string            `json:"version"`
	Time           time.Time         `json:"time"`
	Mode           modes.Snapshot    `json:"mode"`
	Safety         safety.Status     `json:"safety"`
	Safe           bool              `json:"is_safe"`
	EmergencyGate  bool              `json:"emergency_gate"`
	Position       gimbal.Position   `json:"position"`
	Target         gimbal.Position   `json:"target"`
	Moving         bool              `json:"moving"`
	EffectorActive bool              `json:"effector_active"`
	Profile        detection.Profile `json:"profile"`
	Threshold      float64           `json:"threshold"`
	PendingReplies int               `json:"pending_replies"`
	Cycles         uint64            `json:"cycles"`
	DroppedFrames  uint64            `json:"dropped_frames"`
	LastCycle      time.Duration     `json:"last_cycle"`
}

// calibration is a queued operator calibrate request.
type calibration struct {
	advanced bool
}

// System is the turret process core. Run is the only goroutine that touches
// the modes; everything else queues requests for it.
type System struct {
	Gimbal   *gimbal.Controller
	Effector *effector.Controller
	Safety   *safety.Supervisor
	Gate     *detection.Gate

	cfg     config.Config
	link    devicelink.Interface
	modes   *modes.Set
	journal Journal
	health  *monitoring.Health
	clock   timeutil.Clock
	log     zerolog.Logger

	wake chan struct{}

	mu          sync.Mutex
	frame       *detection.Frame
	dropped     uint64
	modeRequest *modes.Kind
	input       modes.Input
	calibrate   *calibration

	// unsafeNoted is touched only by the control loop.
	unsafeNoted bool
	cycles      atomic.Uint64

	statusMu sync.RWMutex
	status   Status
	subs     map[string]chan Status
}

// New builds the controllers and modes around link. cfg must be validated.
func New(cfg config.Config, link devicelink.Interface, opts Options) (*System, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	profile, err := detection.ParseProfile(cfg.Detection.Profile)
	if err != nil {
		return nil, err
	}
	gate, err := detection.NewGate(profile)
	if err != nil {
		return nil, err
	}

	s := &System{
		Gate:    gate,
		cfg:     cfg,
		link:    link,
		journal: opts.Journal,
		health:  opts.Health,
		clock:   opts.Clock,
		log:     monitoring.Logger("turret"),
		wake:    make(chan struct{}, 1),
		subs:    make(map[string]chan Status),
	}

	s.Gimbal = gimbal.New(link, cfg.Gimbal, gimbal.Options{Clock: opts.Clock})
	s.Effector = effector.New(link, s.Gimbal, cfg.Effector, effector.Options{Clock: opts.Clock})

	safetyOpts := []safety.Option{
		safety.WithClock(opts.Clock),
		safety.OnTransition(s.onSafetyTransition),
		safety.OnStatus(s.onSafetyStatus),
	}
	if opts.TestMode {
		safetyOpts = append(safetyOpts, safety.WithTestMode())
	}
	s.Safety = safety.New(link, s.Effector, s.Gimbal, cfg.Safety, safetyOpts...)

	s.modes = modes.NewSet(s.Gimbal, s.Effector, cfg, modes.Options{
		Clock:   opts.Clock,
		OnEvent: s.onModeEvent,
	})

	s.status = s.buildStatus(modes.Snapshot{Mode: modes.None})
	if s.health != nil {
		s.health.SetSafe(s.Safety.IsSystemSafe())
	}
	return s, nil
}

func (s *System) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SubmitFrame queues f for the next cycle. A frame still waiting is replaced
// and counted as dropped.
func (s *System) SubmitFrame(f detection.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.frame != nil {
		s.dropped++
	}
	s.frame = &f
	s.mu.Unlock()
	s.signal()
	return nil
}

// SetMode queues a switch to k, applied at the start of the next cycle.
func (s *System) SetMode(k modes.Kind) error {
	if !k.Valid() {
		return fmt.Errorf("invalid mode %d", int(k))
	}
	s.mu.Lock()
	s.modeRequest = &k
	s.mu.Unlock()
	s.signal()
	return nil
}

// Operator merges in into the input polled by the next frame cycle.
func (s *System) Operator(in modes.Input) {
	s.mu.Lock()
	s.input = s.input.Merge(in)
	s.mu.Unlock()
}

// RequestCalibration queues a gimbal calibration for the control loop.
func (s *System) RequestCalibration(advanced bool) {
	s.mu.Lock()
	s.calibrate = &calibration{advanced: advanced}
	s.mu.Unlock()
	s.signal()
}

// SetProfile switches the detection performance profile.
func (s *System) SetProfile(p detection.Profile) error {
	if err := s.Gate.SetProfile(p); err != nil {
		return err
	}
	s.log.Info().Str("profile", string(p)).Float64("threshold", p.Threshold()).Msg("performance profile")
	s.journalEvent(db.Event{Source: db.SourceSystem, Type: "profile", Detail: string(p)})
	return nil
}

// EmergencyStop closes the device emergency gate and halts both actuators.
func (s *System) EmergencyStop() error {
	var sendErr error
	if !s.link.EmergencyActive() {
		sendErr = s.link.Send(devicelink.EmergencyStop())
	}
	if err := s.Effector.ForceStop(); err != nil {
		s.log.Error().Err(err).Msg("effector stop failed")
	}
	if err := s.Gimbal.ForceStop(); err != nil {
		s.log.Error().Err(err).Msg("gimbal stop failed")
	}
	s.log.Warn().Err(sendErr).Msg("manual emergency stop")
	s.journalEvent(db.Event{Source: db.SourceSafety, Type: "emergency_stop", Detail: errString(sendErr)})
	s.signal()
	return sendErr
}

// EmergencyReset reopens the device emergency gate.
func (s *System) EmergencyReset() error {
	err := s.link.Send(devicelink.EmergencyReset())
	s.log.Info().Err(err).Msg("emergency reset")
	s.journalEvent(db.Event{Source: db.SourceSafety, Type: "emergency_reset", Detail: errString(err)})
	s.signal()
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// safe combines the supervisor verdict with the local emergency gate.
func (s *System) safe() bool {
	return s.Safety.IsSystemSafe() && !s.link.EmergencyActive()
}

// Run is the control loop. It returns when ctx is done, after stopping the
// active mode.
func (s *System) Run(ctx context.Context) error {
	s.log.Info().Msg("control loop started")
	defer func() {
		s.modes.StopActive()
		s.publish(s.buildStatus(s.modes.Snapshot()))
		s.log.Info().Msg("control loop stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.Cycle(ctx)
		}
	}
}

// Cycle applies queued requests and, when a frame is waiting, runs the
// active mode on it. Run calls it; tests may call it directly.
func (s *System) Cycle(ctx context.Context) {
	started := s.clock.Now()

	s.mu.Lock()
	frame, modeRequest, cal := s.frame, s.modeRequest, s.calibrate
	s.frame, s.modeRequest, s.calibrate = nil, nil, nil
	var in modes.Input
	if frame != nil {
		in, s.input = s.input, modes.Input{}
	}
	s.mu.Unlock()

	if modeRequest != nil {
		s.switchMode(ctx, *modeRequest)
	}

	safe := s.safe()
	s.noteSafety(safe)

	if cal != nil {
		s.runCalibration(ctx, *cal, safe)
	}

	snap := s.modes.Snapshot()
	if frame != nil {
		s.cycles.Add(1)
		if safe {
			f := *frame
			f.Detections = s.Gate.Apply(f.Detections)
			snap = s.modes.Step(ctx, f, in)
		} else {
			s.modes.Suspend()
			snap = s.modes.Snapshot()
		}
	}
	s.publish(s.buildStatus(snap))

	if elapsed := s.clock.Since(started); elapsed > SlowCycle {
		s.log.Debug().Dur("elapsed", elapsed).Stringer("mode", s.modes.Active()).Msg("slow cycle")
	}
	s.statusMu.Lock()
	s.status.LastCycle = s.clock.Since(started)
	s.statusMu.Unlock()
}

func (s *System) switchMode(ctx context.Context, k modes.Kind) {
	if k == s.modes.Active() && (k == modes.None || s.modes.Mode(k).Running()) {
		return
	}
	s.log.Info().Stringer("from", s.modes.Active()).Stringer("to", k).Msg("mode switch")
	if err := s.modes.Switch(ctx, k); err != nil {
		s.log.Warn().Err(err).Stringer("mode", k).Msg("mode start failed")
	}
}

// noteSafety logs once per safe/unsafe transition seen by the loop.
func (s *System) noteSafety(safe bool) {
	switch {
	case !safe && !s.unsafeNoted:
		s.unsafeNoted = true
		s.log.Warn().Str("safety", s.Safety.Status().Text).Bool("emergency_gate", s.link.EmergencyActive()).
			Msg("system unsafe, skipping mode processing")
	case safe && s.unsafeNoted:
		s.unsafeNoted = false
		s.log.Info().Msg("system safe, resuming mode processing")
	}
}

func (s *System) runCalibration(ctx context.Context, c calibration, safe bool) {
	if !safe {
		s.log.Warn().Msg("calibration refused while unsafe")
		return
	}
	var err error
	if c.advanced {
		err = s.Gimbal.AdvancedCalibrate(ctx)
	} else {
		err = s.Gimbal.Calibrate(ctx)
	}
	detail := "basic"
	if c.advanced {
		detail = "advanced"
	}
	if err != nil {
		s.log.Warn().Err(err).Str("kind", detail).Msg("calibration failed")
		detail += ": " + err.Error()
	}
	s.journalEvent(db.Event{Source: db.SourceSystem, Type: "calibrate", Detail: detail})
}

// Status returns the most recently published status.
func (s *System) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *System) buildStatus(snap modes.Snapshot) Status {
	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()
	sst := s.Safety.Status()
	return Status{
		Version:        version.String(),
		Time:           s.clock.Now(),
		Mode:           snap,
		Safety:         sst,
		Safe:           s.safe(),
		EmergencyGate:  s.link.EmergencyActive(),
		Position:       s.Gimbal.Position(),
		Target:         s.Gimbal.Target(),
		Moving:         s.Gimbal.Moving(),
		EffectorActive: s.Effector.IsActive(),
		Profile:        s.Gate.Profile(),
		Threshold:      s.Gate.Threshold(),
		PendingReplies: s.link.PendingCount(),
		Cycles:         s.cycles.Load(),
		DroppedFrames:  dropped,
	}
}

// Subscribe returns a channel that receives every published status. Slow
// readers miss updates rather than stall the loop.
func (s *System) Subscribe() (string, <-chan Status) {
	id := uuid.NewString()
	ch := make(chan Status, 8)
	s.statusMu.Lock()
	s.subs[id] = ch
	s.statusMu.Unlock()
	return id, ch
}

func (s *System) Unsubscribe(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *System) publish(st Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st.LastCycle = s.status.LastCycle
	s.status = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// publishSafety refreshes the safety half of the status between cycles.
func (s *System) publishSafety() {
	s.statusMu.RLock()
	snap := s.status.Mode
	s.statusMu.RUnlock()
	s.publish(s.buildStatus(snap))
}

func (s *System) journalEvent(e db.Event) {
	if s.journal == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = s.clock.Now()
	}
	if e.Heading == 0 && e.Elevation == 0 {
		pos := s.Gimbal.Position()
		e.Heading, e.Elevation = pos.Heading, pos.Elevation
	}
	s.journal.Event(e)
}

func (s *System) onModeEvent(e modes.Event) {
	s.journalEvent(db.Event{
		Time:      e.Time,
		Source:    db.SourceMode,
		Mode:      e.Mode.String(),
		Type:      string(e.Type),
		Detail:    e.Detail,
		Target:    e.Target,
		Heading:   e.Heading,
		Elevation: e.Elevation,
		Latency:   e.Latency,
	})
}

func (s *System) onSafetyTransition(prev, next safety.Status) {
	typ := "safe"
	if !next.Safe {
		typ = "unsafe"
	}
	s.journalEvent(db.Event{
		Time:   next.CheckedAt,
		Source: db.SourceSafety,
		Type:   typ,
		Detail: prev.Text + " -> " + next.Text,
	})
}

func (s *System) onSafetyStatus(st safety.Status) {
	if s.health != nil {
		s.health.SetSafe(st.Safe)
	}
	if s.journal != nil {
		pos := s.Gimbal.Position()
		s.journal.Telemetry(db.TelemetrySample{
			Time:          st.CheckedAt,
			Temperature:   st.Temperature,
			EmergencyStop: st.EmergencyStop,
			Safe:          st.Safe,
			Heading:       pos.Heading,
			Elevation:     pos.Elevation,
		})
	}
	s.publishSafety()
	s.signal()
}

// Shutdown stops the supervisor, which switches the effector off, and closes
// the link. The caller cancels Run first.
func (s *System) Shutdown() error {
	s.Safety.Shutdown(s.cfg.Safety.ShutdownTimeout)
	if err := s.link.Close(); err != nil && !errors.Is(err, devicelink.ErrClosed) {
		return fmt.Errorf("close device link: %w", err)
	}
	return nil
}

// Trajectory returns the gimbal's recent confirmed positions, oldest first.
func (s *System) Trajectory() []gimbal.Sample {
	return s.Gimbal.History()
}
