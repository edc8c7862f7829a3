package modes

import (
	"context"
	"fmt"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/detection"
)

// Mode is the lifecycle every control mode implements.
type Mode interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop()
	// Suspend forgets the target and any lock while the session goes on.
	Suspend()
	Step(ctx context.Context, f detection.Frame, in Input)
	Running() bool
	Snapshot() Snapshot
}

var (
	_ Mode = (*AssistMode)(nil)
	_ Mode = (*AutonomousMode)(nil)
	_ Mode = (*EngagementMode)(nil)
)

// Set owns one instance of each mode and the currently active kind. It is
// not safe for concurrent use; the control loop is its only caller.
type Set struct {
	Assist     *AssistMode
	Autonomous *AutonomousMode
	Engagement *EngagementMode

	active Kind
}

// NewSet builds all three modes against the same gimbal and effector.
func NewSet(gim Gimbal, eff Effector, cfg config.Config, opts Options) *Set {
	return &Set{
		Assist:     NewAssist(gim, eff, cfg.Modes, cfg.Detection.Classes, opts),
		Autonomous: NewAutonomous(gim, eff, cfg.Modes, opts),
		Engagement: NewEngagement(gim, eff, cfg.Modes, cfg.BoardIDs(), opts),
	}
}

// Active returns the kind frames are dispatched to.
func (s *Set) Active() Kind { return s.active }

// Mode returns the mode for k, or nil for None.
func (s *Set) Mode(k Kind) Mode {
	switch k {
	case None:
		return nil
	case Assist:
		return s.Assist
	case Autonomous:
		return s.Autonomous
	case Engagement:
		return s.Engagement
	}
	return nil
}

// Switch stops the active mode and starts k. A failed start leaves k active
// and running; the caller sees the error and the mode retries next cycle.
func (s *Set) Switch(ctx context.Context, k Kind) error {
	if !k.Valid() {
		return fmt.Errorf("invalid mode %d", int(k))
	}
	if prev := s.Mode(s.active); prev != nil && prev.Running() {
		prev.Stop()
	}
	s.active = k
	if m := s.Mode(k); m != nil {
		return m.Start(ctx)
	}
	return nil
}

// StopActive stops the active mode and selects None.
func (s *Set) StopActive() {
	if m := s.Mode(s.active); m != nil && m.Running() {
		m.Stop()
	}
	s.active = None
}

// Suspend drops the active mode's target and lock. Called for frames that
// are not dispatched, so a lock never spans cycles the mode did not see.
func (s *Set) Suspend() {
	if m := s.Mode(s.active); m != nil && m.Running() {
		m.Suspend()
	}
}

// Step runs one cycle of the active mode.
func (s *Set) Step(ctx context.Context, f detection.Frame, in Input) Snapshot {
	snap := s.Dispatch(ctx, s.active, f, in)
	if s.active != None && !snap.Running {
		// The session ran out; fall back to no mode.
		s.active = None
	}
	return snap
}

// Dispatch routes one frame to the mode of kind k.
func (s *Set) Dispatch(ctx context.Context, k Kind, f detection.Frame, in Input) Snapshot {
	switch k {
	case None:
		return Snapshot{Mode: None}
	case Assist:
		s.Assist.Step(ctx, f, in)
		return s.Assist.Snapshot()
	case Autonomous:
		s.Autonomous.Step(ctx, f, in)
		return s.Autonomous.Snapshot()
	case Engagement:
		s.Engagement.Step(ctx, f, in)
		return s.Engagement.Snapshot()
	}
	return Snapshot{Mode: k, LastError: fmt.Sprintf("unknown mode %d", int(k))}
}

// Snapshot returns the active mode's state without stepping it.
func (s *Set) Snapshot() Snapshot {
	if m := s.Mode(s.active); m != nil {
		return m.Snapshot()
	}
	return Snapshot{Mode: None}
}
