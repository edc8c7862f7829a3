package effector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/devicelink"
	"github.com/banshee-data/turret/internal/gimbal"
	"github.com/banshee-data/turret/internal/timeutil"
)

type fixedPosition gimbal.Position

func (p fixedPosition) Position() gimbal.Position { return gimbal.Position(p) }

func newTestEffector(t *testing.T) (*Controller, *devicelink.SimulatedLink, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	link := devicelink.NewSimulatedLink(25, devicelink.Options{Clock: clock})
	pos := fixedPosition{Heading: 12, Elevation: 7}
	return New(link, pos, config.Default().Effector, Options{Clock: clock}), link, clock
}

func TestNormalize(t *testing.T) {
	e, _, _ := newTestEffector(t)
	tests := []struct {
		in, want time.Duration
	}{
		{0, 2 * time.Second},
		{-time.Second, 2 * time.Second},
		{5 * time.Second, 2 * time.Second},
		{2 * time.Second, 2 * time.Second},
		{1500 * time.Millisecond, 1500 * time.Millisecond},
		{time.Millisecond, time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Normalize(tt.in), "Normalize(%v)", tt.in)
	}
}

func TestFire_SendsAndArms(t *testing.T) {
	e, link, clock := newTestEffector(t)
	require.NoError(t, e.Fire(10*time.Second))

	sent := link.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, devicelink.KindFire, sent[0].Kind())
	assert.Equal(t, 2*time.Second, sent[0].Duration())
	assert.True(t, e.IsActive())
	assert.Equal(t, 1, clock.PendingTimers())
}

// TestFire_AutoStop tests that the safety timer fires at d and not before
func TestFire_AutoStop(t *testing.T) {
	e, link, clock := newTestEffector(t)
	require.NoError(t, e.Fire(time.Second))

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, []devicelink.Kind{devicelink.KindFire}, link.SentKinds())
	assert.Equal(t, 999*time.Millisecond, e.ActiveDuration())

	clock.Advance(time.Millisecond)
	assert.Equal(t, []devicelink.Kind{devicelink.KindFire, devicelink.KindEffectorOff}, link.SentKinds())
	assert.False(t, e.IsActive())

	off := link.Sent()[1]
	assert.Equal(t, 12.0, off.Heading())
	assert.Equal(t, 7.0, off.Elevation())
	assert.False(t, off.IsOverride())
}

// TestFire_Retrigger tests that a second fire stops the first and stale timers are ignored
func TestFire_Retrigger(t *testing.T) {
	e, link, clock := newTestEffector(t)
	require.NoError(t, e.Fire(time.Second))
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, e.Fire(time.Second))

	assert.Equal(t, []devicelink.Kind{
		devicelink.KindFire, devicelink.KindEffectorOff, devicelink.KindFire,
	}, link.SentKinds())

	// the first firing's deadline passes without effect
	clock.Advance(600 * time.Millisecond)
	assert.True(t, e.IsActive())
	assert.Len(t, link.Sent(), 3)

	clock.Advance(400 * time.Millisecond)
	assert.False(t, e.IsActive())
	assert.Len(t, link.Sent(), 4)
}

func TestStop_IdleIsNoop(t *testing.T) {
	e, link, _ := newTestEffector(t)
	require.NoError(t, e.Stop())
	assert.Empty(t, link.Sent())
}

func TestIsActive_ForcesOverdueStop(t *testing.T) {
	e, link, clock := newTestEffector(t)
	require.NoError(t, e.Fire(time.Second))

	// move time without firing timers, as if the callback were delayed
	clock.Set(clock.Now().Add(time.Second))
	assert.False(t, e.IsActive())
	assert.Equal(t, []devicelink.Kind{devicelink.KindFire, devicelink.KindEffectorOff}, link.SentKinds())

	clock.Advance(0)
	assert.Len(t, link.Sent(), 2, "stale timer must not send a second stop")
}

func TestForceStop(t *testing.T) {
	e, link, clock := newTestEffector(t)
	require.NoError(t, e.Fire(time.Second))

	link.SetEmergency(true)
	assert.ErrorIs(t, e.Stop(), devicelink.ErrEmergencyActive)
	assert.True(t, e.IsActive())

	require.NoError(t, e.ForceStop())
	assert.False(t, e.IsActive())
	last := link.Sent()[len(link.Sent())-1]
	assert.True(t, last.IsOverride())
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestForceStop_ClearsStateOnError(t *testing.T) {
	e, link, _ := newTestEffector(t)
	require.NoError(t, e.Fire(time.Second))

	link.SetSendError(errors.New("unplugged"))
	err := e.ForceStop()
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.False(t, e.IsActive())
	assert.Zero(t, e.ActiveDuration())
}

func TestFire_SendFailure(t *testing.T) {
	e, link, clock := newTestEffector(t)
	link.SetSendError(devicelink.ErrWriteFailed)
	err := e.Fire(time.Second)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, devicelink.ErrWriteFailed)
	assert.False(t, e.IsActive())
	assert.Zero(t, clock.PendingTimers())
}
