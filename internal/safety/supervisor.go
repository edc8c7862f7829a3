// Package safety implements the hardware interlock supervisor. It polls the
// device for temperature and emergency-stop state, halts the actuators when
// either trips and publishes the system-wide safe flag.
package safety

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/devicelink"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
)

// Status texts.
const (
	TextStarting        = "Starting"
	TextNormal          = "Normal"
	TextHighTemperature = "High Temperature"
	TextEmergencyStop   = "Emergency Stop"
	TextTestMode        = "Test Mode"
)

var errStatusTimeout = errors.New("status request timed out")

// Effector is the slice of the effector controller the supervisor commands.
type Effector interface {
	IsActive() bool
	ForceStop() error
}

// Gimbal is the slice of the gimbal controller the supervisor commands.
type Gimbal interface {
	ForceStop() error
}

// Status is one supervisor observation.
type Status struct {
	Temperature     float64   `json:"temperature"`
	EmergencyStop   bool      `json:"emergency_stop"`
	OverTemperature bool      `json:"over_temperature"`
	Safe            bool      `json:"is_safe"`
	EffectorActive  bool      `json:"effector_active"`
	FanOn           bool      `json:"fan_on"`
	Text            string    `json:"text"`
	CheckedAt       time.Time `json:"checked_at"`
	LastError       string    `json:"last_error,omitempty"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTestMode makes IsSystemSafe always report true. Polling still runs.
func WithTestMode() Option {
	return func(s *Supervisor) { s.testMode = true }
}

// WithClock replaces the real clock.
func WithClock(c timeutil.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// OnTransition registers fn to run whenever the safe flag flips.
func OnTransition(fn func(prev, next Status)) Option {
	return func(s *Supervisor) { s.onTransition = append(s.onTransition, fn) }
}

// OnStatus registers fn to run after every poll.
func OnStatus(fn func(Status)) Option {
	return func(s *Supervisor) { s.onStatus = append(s.onStatus, fn) }
}

// Supervisor owns Status. The poll loop is its only writer.
type Supervisor struct {
	dev   devicelink.Device
	eff   Effector
	gim   Gimbal
	cfg   config.SafetyConfig
	clock timeutil.Clock
	log   zerolog.Logger

	testMode     bool
	onTransition []func(prev, next Status)
	onStatus     []func(Status)

	status atomic.Pointer[Status]

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(dev devicelink.Device, eff Effector, gim Gimbal, cfg config.SafetyConfig, opts ...Option) *Supervisor {
	s := &Supervisor{
		dev:   dev,
		eff:   eff,
		gim:   gim,
		cfg:   cfg,
		clock: timeutil.RealClock{},
		log:   monitoring.Logger("safety"),
	}
	for _, opt := range opts {
		opt(s)
	}
	initial := Status{Text: TextStarting, CheckedAt: s.clock.Now()}
	if s.testMode {
		initial.Safe = true
		initial.Text = TextTestMode
	}
	s.status.Store(&initial)
	return s
}

// IsSystemSafe reports the current safe flag. Until the first poll completes
// the system is not safe.
func (s *Supervisor) IsSystemSafe() bool {
	if s.testMode {
		return true
	}
	return s.status.Load().Safe
}

// Status returns a copy of the latest observation.
func (s *Supervisor) Status() Status {
	return *s.status.Load()
}

// Start polls once synchronously and then keeps polling every poll interval
// until Shutdown or ctx is done.
func (s *Supervisor) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.Poll(ctx)
	go s.loop(ctx, s.done)
	s.log.Info().Dur("interval", s.cfg.PollInterval).Msg("safety monitoring started")
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Poll(ctx)
		}
	}
}

// Poll performs one status exchange and applies the interlocks. It returns
// the resulting status.
func (s *Supervisor) Poll(ctx context.Context) Status {
	prev := s.Status()
	next, err := s.observe(ctx, prev)
	if err != nil {
		s.log.Error().Err(err).Msg("status poll failed")
		next = prev
		next.LastError = err.Error()
		next.CheckedAt = s.clock.Now()
		if !next.Safe && s.eff.IsActive() {
			s.forceStopEffector()
		}
		next.EffectorActive = s.eff.IsActive()
		s.publish(prev, next)
		return next
	}

	if next.OverTemperature && !prev.OverTemperature {
		s.log.Warn().Float64("temperature", next.Temperature).Float64("max", s.cfg.MaxTemperature).Msg("temperature critical")
		s.forceStopEffector()
		if err := s.dev.Send(devicelink.Fan(true).Override()); err != nil {
			s.log.Error().Err(err).Msg("fan on failed")
		} else {
			next.FanOn = true
		}
	}
	if !next.OverTemperature && prev.OverTemperature && prev.FanOn {
		if err := s.dev.Send(devicelink.Fan(false).Override()); err != nil {
			s.log.Warn().Err(err).Msg("fan off failed")
		} else {
			next.FanOn = false
		}
	}
	if next.EmergencyStop && !prev.EmergencyStop {
		s.log.Warn().Msg("emergency stop asserted")
		s.forceStopEffector()
		if err := s.gim.ForceStop(); err != nil {
			s.log.Error().Err(err).Msg("gimbal stop failed")
		}
	}
	if !next.Safe && s.eff.IsActive() {
		s.forceStopEffector()
	}
	next.EffectorActive = s.eff.IsActive()

	s.publish(prev, next)
	return next
}

// observe reads device state. On error prev is kept by the caller.
func (s *Supervisor) observe(ctx context.Context, prev Status) (Status, error) {
	cmd := devicelink.StatusRequest()
	if err := s.dev.Send(cmd); err != nil {
		return Status{}, err
	}
	resp, ok := s.dev.AwaitResponse(ctx, cmd.ID(), s.cfg.StatusTimeout)
	if !ok {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		return Status{}, errStatusTimeout
	}

	tel := s.dev.Telemetry()
	next := Status{
		Temperature:   tel.Temperature,
		EmergencyStop: tel.EmergencyStop,
		FanOn:         prev.FanOn,
		CheckedAt:     s.clock.Now(),
	}
	if resp.Temperature != nil {
		next.Temperature = *resp.Temperature
	}
	if resp.EmergencyStop != nil {
		next.EmergencyStop = *resp.EmergencyStop
	}
	next.OverTemperature = next.Temperature > s.cfg.MaxTemperature
	next.Safe = !next.OverTemperature && !next.EmergencyStop

	switch {
	case next.EmergencyStop:
		next.Text = TextEmergencyStop
	case next.OverTemperature:
		next.Text = TextHighTemperature
	default:
		next.Text = TextNormal
	}
	return next, nil
}

func (s *Supervisor) forceStopEffector() {
	if err := s.eff.ForceStop(); err != nil {
		s.log.Error().Err(err).Msg("effector stop failed")
	}
}

func (s *Supervisor) publish(prev, next Status) {
	if s.testMode {
		next.Safe = true
	}
	s.status.Store(&next)

	if prev.Safe != next.Safe {
		ev := s.log.Info()
		if !next.Safe {
			ev = s.log.Warn()
		}
		ev.Str("from", prev.Text).Str("to", next.Text).Bool("safe", next.Safe).Msg("safety transition")
		for _, fn := range s.onTransition {
			fn(prev, next)
		}
	}
	for _, fn := range s.onStatus {
		fn(next)
	}
}

// Shutdown stops the poll loop, waiting at most timeout for it to exit, and
// then switches the effector off.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.cfg.ShutdownTimeout
	}
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(timeout):
			s.log.Warn().Dur("timeout", timeout).Msg("poll loop did not exit in time")
		}
	}
	s.forceStopEffector()
	s.log.Info().Msg("safety monitoring stopped")
}
