package gimbal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/devicelink"
)

func newTestController(t *testing.T, mutate func(*config.GimbalConfig)) (*Controller, *devicelink.SimulatedLink) {
	t.Helper()
	cfg := config.Default().Gimbal
	if mutate != nil {
		mutate(&cfg)
	}
	link := devicelink.NewSimulatedLink(25, devicelink.Options{})
	return New(link, cfg, Options{}), link
}

func motions(link *devicelink.SimulatedLink) []Position {
	var out []Position
	for _, c := range link.Sent() {
		if c.Kind() == devicelink.KindMotion {
			out = append(out, Position{Heading: c.Heading(), Elevation: c.Elevation()})
		}
	}
	return out
}

func TestMoveTo_Clamps(t *testing.T) {
	g, link := newTestController(t, func(c *config.GimbalConfig) { c.Zones = nil })

	require.NoError(t, g.MoveTo(context.Background(), 500, -10, 0, true))
	assert.Equal(t, Position{Heading: 135, Elevation: 0}, g.Position())

	require.NoError(t, g.MoveTo(context.Background(), -500, 99, 0, true))
	assert.Equal(t, Position{Heading: -135, Elevation: 60}, g.Position())

	sent := link.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, 50, sent[0].Speed(), "default speed")
}

// TestMoveTo_RestrictedZone tests that zone hits never reach the device
func TestMoveTo_RestrictedZone(t *testing.T) {
	g, link := newTestController(t, nil)
	require.NoError(t, g.MoveTo(context.Background(), 10, 10, 0, true))
	link.ResetSent()

	tests := []struct {
		name      string
		heading   float64
		elevation float64
	}{
		{"inside right zone", 100, 30},
		{"edge is inclusive", 90, 0},
		{"clamped into left zone", -300, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.MoveTo(context.Background(), tt.heading, tt.elevation, 0, true)
			require.ErrorIs(t, err, ErrUnsafe)

			var me *MotionError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, "move", me.Op)
		})
	}
	assert.Empty(t, link.Sent())
	assert.Equal(t, Position{Heading: 10, Elevation: 10}, g.Position())
	assert.Equal(t, Position{Heading: 10, Elevation: 10}, g.Target())
}

func TestMoveTo_SuccessAndTarget(t *testing.T) {
	g, _ := newTestController(t, nil)
	require.NoError(t, g.MoveTo(context.Background(), -20, 15, 70, true))
	assert.Equal(t, Position{Heading: -20, Elevation: 15}, g.Position())
	assert.True(t, g.IsAtTarget(0))
	assert.False(t, g.Moving())

	h := g.History()
	require.Len(t, h, 1)
	assert.Equal(t, Position{Heading: -20, Elevation: 15}, h[0].Position)
}

func TestMoveTo_Failures(t *testing.T) {
	t.Run("failure response", func(t *testing.T) {
		g, link := newTestController(t, nil)
		link.SetResponder(devicelink.ReplyWith(`{"status":"error"}`))
		err := g.MoveTo(context.Background(), 5, 5, 0, true)
		assert.ErrorIs(t, err, ErrFailed)
		assert.Equal(t, Position{}, g.Position())
		assert.False(t, g.Moving())
	})

	t.Run("timeout", func(t *testing.T) {
		g, link := newTestController(t, func(c *config.GimbalConfig) { c.MoveTimeout = 20 * time.Millisecond })
		link.SetResponder(devicelink.NoReply)
		err := g.MoveTo(context.Background(), 5, 5, 0, true)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotErrorIs(t, err, ErrFailed)
		assert.Equal(t, Position{}, g.Position())
		assert.False(t, g.IsAtTarget(1))
	})

	t.Run("send error", func(t *testing.T) {
		g, link := newTestController(t, nil)
		link.SetSendError(devicelink.ErrWriteFailed)
		err := g.MoveTo(context.Background(), 5, 5, 0, true)
		assert.ErrorIs(t, err, ErrFailed)
		assert.ErrorIs(t, err, devicelink.ErrWriteFailed)
		assert.Equal(t, Position{}, g.Target(), "target reverts when nothing was sent")
	})

	t.Run("emergency gate", func(t *testing.T) {
		g, link := newTestController(t, nil)
		link.SetEmergency(true)
		err := g.MoveTo(context.Background(), 5, 5, 0, true)
		assert.ErrorIs(t, err, devicelink.ErrEmergencyActive)
	})
}

func TestMoveTo_Async(t *testing.T) {
	g, _ := newTestController(t, nil)
	require.NoError(t, g.MoveTo(context.Background(), 12, 8, 0, false))
	g.Wait()
	assert.Equal(t, Position{Heading: 12, Elevation: 8}, g.Position())
}

// TestMoveTo_AsyncSuperseded tests that a stale confirmation never overwrites a newer move
func TestMoveTo_AsyncSuperseded(t *testing.T) {
	g, _ := newTestController(t, nil)
	require.NoError(t, g.MoveTo(context.Background(), 1, 1, 0, false))
	require.NoError(t, g.MoveTo(context.Background(), 2, 2, 0, true))
	g.Wait()
	assert.Equal(t, Position{Heading: 2, Elevation: 2}, g.Position())
}

func TestMoveRelative(t *testing.T) {
	g, _ := newTestController(t, nil)
	require.NoError(t, g.MoveTo(context.Background(), 10, 20, 0, true))
	require.NoError(t, g.MoveRelative(context.Background(), -2.5, 1))
	assert.Equal(t, Position{Heading: 7.5, Elevation: 21}, g.Position())
}

func TestMoveToBoard(t *testing.T) {
	g, _ := newTestController(t, nil)
	require.NoError(t, g.MoveToBoard(context.Background(), "a"))
	assert.Equal(t, Position{Heading: -45, Elevation: 30}, g.Position())

	require.NoError(t, g.MoveToBoard(context.Background(), "B"))
	assert.Equal(t, Position{Heading: 45, Elevation: 30}, g.Position())

	assert.ErrorIs(t, g.MoveToBoard(context.Background(), "C"), ErrUnknownBoard)
}

func TestStop(t *testing.T) {
	g, link := newTestController(t, nil)
	require.NoError(t, g.Stop())
	assert.Equal(t, []devicelink.Kind{devicelink.KindStop}, link.SentKinds())

	link.SetEmergency(true)
	assert.ErrorIs(t, g.Stop(), devicelink.ErrEmergencyActive)
	require.NoError(t, g.ForceStop())
	assert.False(t, g.Moving())
}

func TestCalibrate(t *testing.T) {
	g, link := newTestController(t, nil)
	require.NoError(t, g.MoveTo(context.Background(), 30, 40, 0, true))

	link.SetSendError(errors.New("unplugged"))
	assert.ErrorIs(t, g.Calibrate(context.Background()), ErrFailed)
	assert.Equal(t, Position{Heading: 30, Elevation: 40}, g.Position())

	link.SetSendError(nil)
	require.NoError(t, g.Calibrate(context.Background()))
	assert.Equal(t, Position{}, g.Position())
	assert.Equal(t, Position{}, g.Target())
}

func TestAdvancedCalibrate_Sequence(t *testing.T) {
	g, link := newTestController(t, nil)
	require.NoError(t, g.MoveTo(context.Background(), 20, 30, 0, true))
	link.ResetSent()

	require.NoError(t, g.AdvancedCalibrate(context.Background()))

	assert.Equal(t, []Position{
		{Heading: 10, Elevation: 30},
		{Heading: 0, Elevation: 30},
		{Heading: 0, Elevation: 10},
		{Heading: 0, Elevation: 0},
		{Heading: 0, Elevation: 0},
	}, motions(link))

	var speeds []int
	for _, c := range link.Sent() {
		speeds = append(speeds, c.Speed())
	}
	assert.Equal(t, []int{30, 30, 30, 30, 20}, speeds)
	assert.Equal(t, Position{}, g.Position())
	assert.True(t, g.IsAtTarget(0))
}

// TestAdvancedCalibrate_FailureReturnsToZero tests the best-effort recovery path
func TestAdvancedCalibrate_FailureReturnsToZero(t *testing.T) {
	g, link := newTestController(t, nil)
	require.NoError(t, g.MoveTo(context.Background(), 20, 30, 0, true))
	link.ResetSent()

	link.SetResponder(func(c devicelink.Command) (devicelink.Message, bool) {
		status := "success"
		if c.Elevation() == sweepAngle {
			status = "error"
		}
		return devicelink.Message{Status: status}, true
	})

	err := g.AdvancedCalibrate(context.Background())
	require.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "elevation sweep")

	got := motions(link)
	require.Len(t, got, 4)
	assert.Equal(t, Position{}, got[3], "last command returns to zero")
	assert.Equal(t, Position{}, g.Position())
}
