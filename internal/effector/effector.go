// Package effector controls the turret's timed effector (the laser). Every
// firing is bounded by a safety timer that switches the effector off even if
// no caller ever does.
package effector

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/devicelink"
	"github.com/banshee-data/turret/internal/gimbal"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
)

var ErrSendFailed = errors.New("effector command failed")

// PositionSource supplies the gimbal position re-asserted by the off command.
type PositionSource interface {
	Position() gimbal.Position
}

// Options carries optional collaborators. The zero value is usable.
type Options struct {
	Clock  timeutil.Clock
	Logger *zerolog.Logger
}

// Controller owns the firing state.
type Controller struct {
	dev   devicelink.Device
	pos   PositionSource
	cfg   config.EffectorConfig
	clock timeutil.Clock
	log   zerolog.Logger

	mu       sync.Mutex
	active   bool
	started  time.Time
	duration time.Duration
	timer    timeutil.Timer
	gen      uint64
}

func New(dev devicelink.Device, pos PositionSource, cfg config.EffectorConfig, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	log := monitoring.Logger("effector")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Controller{dev: dev, pos: pos, cfg: cfg, clock: opts.Clock, log: log}
}

// Normalize clamps d into (0, timeout]. Anything outside yields the timeout.
func (c *Controller) Normalize(d time.Duration) time.Duration {
	if d <= 0 || d > c.cfg.Timeout {
		return c.cfg.Timeout
	}
	return d
}

// Fire switches the effector on for d, stopping any active firing first.
func (c *Controller) Fire(d time.Duration) error {
	if c.IsActive() {
		if err := c.Stop(); err != nil {
			return err
		}
	}
	d = c.Normalize(d)

	if err := c.dev.Send(devicelink.Fire(d)); err != nil {
		return fmt.Errorf("%w: fire: %w", ErrSendFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	gen := c.gen
	c.active = true
	c.started = c.clock.Now()
	c.duration = d
	c.timer = c.clock.AfterFunc(d, func() { c.expire(gen) })
	c.log.Info().Dur("duration", d).Msg("fire")
	return nil
}

// expire is the safety timer callback. Timers from earlier firings are ignored.
func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	current := c.gen == gen && c.active
	c.mu.Unlock()
	if !current {
		return
	}
	if err := c.stopGen(gen); err != nil {
		c.log.Warn().Err(err).Msg("timed stop failed")
	}
}

// Stop switches the effector off. It is a no-op when idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	gen, active := c.gen, c.active
	c.mu.Unlock()
	if !active {
		return nil
	}
	return c.stopGen(gen)
}

func (c *Controller) stopGen(gen uint64) error {
	p := c.pos.Position()
	if err := c.dev.Send(devicelink.EffectorOff(p.Heading, p.Elevation)); err != nil {
		return fmt.Errorf("%w: stop: %w", ErrSendFailed, err)
	}
	c.mu.Lock()
	if c.gen == gen {
		c.clear()
	}
	c.mu.Unlock()
	c.log.Debug().Msg("effector off")
	return nil
}

// ForceStop sends the off command as a safety override and clears local
// state whether or not the send succeeded.
func (c *Controller) ForceStop() error {
	p := c.pos.Position()
	err := c.dev.Send(devicelink.EffectorOff(p.Heading, p.Elevation).Override())

	c.mu.Lock()
	c.gen++
	c.clear()
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: force stop: %w", ErrSendFailed, err)
	}
	return nil
}

// clear resets the firing state. c.mu must be held.
func (c *Controller) clear() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.active = false
	c.duration = 0
	c.started = time.Time{}
}

// IsActive reports whether the effector is on. If the armed duration has
// already elapsed it stops the effector first.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	active, gen := c.active, c.gen
	overdue := active && c.clock.Since(c.started) >= c.duration
	c.mu.Unlock()

	if !overdue {
		return active
	}
	if err := c.stopGen(gen); err != nil {
		c.log.Warn().Err(err).Msg("overdue stop failed")
		return true
	}
	return false
}

// ActiveDuration is how long the current firing has been on.
func (c *Controller) ActiveDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return 0
	}
	return c.clock.Since(c.started)
}
