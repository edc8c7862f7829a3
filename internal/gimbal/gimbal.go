// Package gimbal drives the two-axis turret mount. It clamps targets to the
// mechanical ranges, refuses restricted zones before anything reaches the
// device and tracks the last confirmed position.
package gimbal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/devicelink"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
)

var (
	ErrUnsafe       = errors.New("target inside restricted zone")
	ErrFailed       = errors.New("motion failed")
	ErrTimeout      = errors.New("motion timed out")
	ErrUnknownBoard = errors.New("unknown board")
)

// Calibration speeds for the advanced sequence.
const (
	sweepSpeed  = 30
	settleSpeed = 20
	sweepAngle  = 10.0
)

// historySize bounds the trajectory kept for the debug plot.
const historySize = 512

// Position is a heading/elevation pair in degrees.
type Position struct {
	Heading   float64 `json:"heading"`
	Elevation float64 `json:"elevation"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%.2f°, %.2f°)", p.Heading, p.Elevation)
}

// Sample is a confirmed position at a point in time.
type Sample struct {
	Time time.Time `json:"time"`
	Position
}

// MotionError describes a rejected or failed motion request.
type MotionError struct {
	Op        string
	Heading   float64
	Elevation float64
	Err       error
}

func (e *MotionError) Error() string {
	return fmt.Sprintf("gimbal %s (%.2f, %.2f): %v", e.Op, e.Heading, e.Elevation, e.Err)
}

func (e *MotionError) Unwrap() error { return e.Err }

// Options carries optional collaborators. The zero value is usable.
type Options struct {
	Clock  timeutil.Clock
	Logger *zerolog.Logger
}

// Controller owns the gimbal position state. It is safe for concurrent use.
type Controller struct {
	dev   devicelink.Device
	cfg   config.GimbalConfig
	log   zerolog.Logger
	clock timeutil.Clock

	mu      sync.Mutex
	current Position
	target  Position
	moving  bool
	gen     uint64
	history []Sample

	waiters sync.WaitGroup
}

// New returns a controller at (0, 0).
func New(dev devicelink.Device, cfg config.GimbalConfig, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	log := monitoring.Logger("gimbal")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Controller{dev: dev, cfg: cfg, log: log, clock: opts.Clock}
}

// Clamp limits (heading, elevation) to the configured ranges.
func (c *Controller) Clamp(heading, elevation float64) (float64, float64) {
	hMin, hMax := c.cfg.HeadingLimits()
	vMin, vMax := c.cfg.ElevationLimits()
	return math.Max(hMin, math.Min(hMax, heading)), math.Max(vMin, math.Min(vMax, elevation))
}

// InRestrictedZone reports whether the position lies in any configured zone.
func (c *Controller) InRestrictedZone(heading, elevation float64) bool {
	for _, z := range c.cfg.Zones {
		if z.Contains(heading, elevation) {
			return true
		}
	}
	return false
}

// MoveTo commands an absolute move. A speed of zero or less uses the
// configured default. With wait the call blocks until the device confirms the
// move or the move timeout passes; otherwise the confirmation is tracked in
// the background and Wait joins it.
func (c *Controller) MoveTo(ctx context.Context, heading, elevation float64, speed int, wait bool) error {
	heading, elevation = c.Clamp(heading, elevation)
	if c.InRestrictedZone(heading, elevation) {
		c.log.Warn().Float64("heading", heading).Float64("elevation", elevation).Msg("move rejected: restricted zone")
		return &MotionError{Op: "move", Heading: heading, Elevation: elevation, Err: ErrUnsafe}
	}
	if speed <= 0 {
		speed = c.cfg.DefaultSpeed
	}

	cmd := devicelink.Motion(heading, elevation, speed)
	dest := Position{Heading: heading, Elevation: elevation}

	c.mu.Lock()
	prevTarget := c.target
	c.gen++
	gen := c.gen
	c.target = dest
	c.moving = true
	c.mu.Unlock()

	if err := c.dev.Send(cmd); err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.target = prevTarget
			c.moving = false
		}
		c.mu.Unlock()
		return &MotionError{Op: "move", Heading: heading, Elevation: elevation, Err: fmt.Errorf("%w: %w", ErrFailed, err)}
	}

	if !wait {
		c.waiters.Add(1)
		go func() {
			defer c.waiters.Done()
			if err := c.await(ctx, cmd.ID(), gen, dest); err != nil {
				c.log.Debug().Err(err).Msg("background move not confirmed")
			}
		}()
		return nil
	}
	return c.await(ctx, cmd.ID(), gen, dest)
}

func (c *Controller) await(ctx context.Context, id string, gen uint64, dest Position) error {
	resp, ok := c.dev.AwaitResponse(ctx, id, c.cfg.MoveTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	superseded := c.gen != gen
	if !superseded {
		c.moving = false
	}
	switch {
	case !ok:
		return &MotionError{Op: "move", Heading: dest.Heading, Elevation: dest.Elevation, Err: ErrTimeout}
	case !resp.OK:
		return &MotionError{Op: "move", Heading: dest.Heading, Elevation: dest.Elevation, Err: ErrFailed}
	}
	if !superseded {
		c.current = dest
		c.record(dest)
	}
	return nil
}

// record appends to the trajectory ring. c.mu must be held.
func (c *Controller) record(p Position) {
	if len(c.history) == historySize {
		copy(c.history, c.history[1:])
		c.history = c.history[:historySize-1]
	}
	c.history = append(c.history, Sample{Time: c.clock.Now(), Position: p})
}

// MoveRelative moves by (dh, dv) from the current position and waits.
func (c *Controller) MoveRelative(ctx context.Context, dh, dv float64) error {
	p := c.Position()
	return c.MoveTo(ctx, p.Heading+dh, p.Elevation+dv, 0, true)
}

// MoveToBoard aims at a configured board. Ids are case-insensitive.
func (c *Controller) MoveToBoard(ctx context.Context, id string) error {
	b, ok := c.cfg.Boards[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return &MotionError{Op: "board " + id, Err: ErrUnknownBoard}
	}
	return c.MoveTo(ctx, b.Heading, b.Elevation, 0, true)
}

// Stop halts the motors. It always clears the moving flag.
func (c *Controller) Stop() error {
	return c.stop(devicelink.Stop())
}

// ForceStop halts the motors even while the emergency gate is closed.
func (c *Controller) ForceStop() error {
	return c.stop(devicelink.Stop().Override())
}

func (c *Controller) stop(cmd devicelink.Command) error {
	err := c.dev.Send(cmd)
	c.mu.Lock()
	c.moving = false
	c.mu.Unlock()
	if err != nil {
		p := c.Position()
		return &MotionError{Op: "stop", Heading: p.Heading, Elevation: p.Elevation, Err: fmt.Errorf("%w: %w", ErrFailed, err)}
	}
	return nil
}

// Calibrate homes the motors. When the command is accepted the position is
// reset to (0, 0).
func (c *Controller) Calibrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.dev.Send(devicelink.Calibrate()); err != nil {
		return &MotionError{Op: "calibrate", Err: fmt.Errorf("%w: %w", ErrFailed, err)}
	}
	c.resetOrigin()
	c.log.Info().Msg("calibrated")
	return nil
}

func (c *Controller) resetOrigin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++ // outstanding confirmations no longer describe the position
	c.current = Position{}
	c.target = Position{}
	c.moving = false
	c.record(Position{})
}

// AdvancedCalibrate exercises each axis with a small sweep and returns to
// centre, then settles at (0, 0) at low speed. On failure it makes one
// best-effort attempt to reach (0, 0) before returning the error.
func (c *Controller) AdvancedCalibrate(ctx context.Context) error {
	steps := []struct {
		name string
		move func(cur Position) (float64, float64, int)
	}{
		{"heading sweep", func(cur Position) (float64, float64, int) { return sweepAngle, cur.Elevation, sweepSpeed }},
		{"heading return", func(cur Position) (float64, float64, int) { return 0, cur.Elevation, sweepSpeed }},
		{"elevation sweep", func(cur Position) (float64, float64, int) { return cur.Heading, sweepAngle, sweepSpeed }},
		{"elevation return", func(cur Position) (float64, float64, int) { return cur.Heading, 0, sweepSpeed }},
		{"settle", func(Position) (float64, float64, int) { return 0, 0, settleSpeed }},
	}

	c.log.Info().Msg("advanced calibration started")
	for _, step := range steps {
		h, v, speed := step.move(c.Position())
		if err := c.MoveTo(ctx, h, v, speed, true); err != nil {
			c.log.Error().Err(err).Str("step", step.name).Msg("advanced calibration failed")
			if rerr := c.MoveTo(context.WithoutCancel(ctx), 0, 0, 0, true); rerr != nil {
				c.log.Warn().Err(rerr).Msg("return to zero failed")
			}
			return fmt.Errorf("advanced calibration %s: %w", step.name, err)
		}
	}
	c.resetOrigin()
	c.log.Info().Msg("advanced calibration complete")
	return nil
}

// IsAtTarget compares current and target within tol degrees. A tol of zero
// or less uses the configured tolerance.
func (c *Controller) IsAtTarget(tol float64) bool {
	if tol <= 0 {
		tol = c.cfg.Tolerance
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return math.Abs(c.current.Heading-c.target.Heading) <= tol &&
		math.Abs(c.current.Elevation-c.target.Elevation) <= tol
}

// Position returns the last confirmed position.
func (c *Controller) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Target returns the last commanded position.
func (c *Controller) Target() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Controller) Moving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moving
}

// History returns a copy of the confirmed trajectory, oldest first.
func (c *Controller) History() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, len(c.history))
	copy(out, c.history)
	return out
}

// Wait blocks until every background move confirmation has finished.
func (c *Controller) Wait() {
	c.waiters.Wait()
}
