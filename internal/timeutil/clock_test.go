package timeutil

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_AfterFunc(t *testing.T) {
	clock := RealClock{}
	done := make(chan struct{})
	clock.AfterFunc(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc callback did not run")
	}
}

func TestRealClock_AfterFuncStop(t *testing.T) {
	clock := RealClock{}
	var ran atomic.Bool
	timer := clock.AfterFunc(20*time.Millisecond, func() { ran.Store(true) })
	if !timer.Stop() {
		t.Fatal("Stop() on armed timer returned false")
	}
	time.Sleep(40 * time.Millisecond)
	if ran.Load() {
		t.Error("stopped AfterFunc callback ran")
	}
}

// TestMockClock_Advance tests that timers fire only once their deadline passes
func TestMockClock_Advance(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(time.Second)

	clock.Advance(999 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case got := <-timer.C():
		if !got.Equal(epoch.Add(time.Second)) {
			t.Errorf("timer delivered %v, want %v", got, epoch.Add(time.Second))
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

// TestMockClock_AfterFunc tests synchronous callback delivery and cancellation
func TestMockClock_AfterFunc(t *testing.T) {
	clock := NewMockClock(epoch)
	calls := 0
	clock.AfterFunc(2*time.Second, func() { calls++ })
	stopped := clock.AfterFunc(time.Second, func() { calls += 100 })

	if clock.PendingTimers() != 2 {
		t.Fatalf("PendingTimers() = %d, want 2", clock.PendingTimers())
	}
	stopped.Stop()

	clock.Advance(2 * time.Second)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if clock.PendingTimers() != 0 {
		t.Errorf("PendingTimers() = %d after firing, want 0", clock.PendingTimers())
	}

	clock.Advance(10 * time.Second)
	if calls != 1 {
		t.Errorf("callback ran twice: calls = %d", calls)
	}
}

// TestMockClock_AfterFuncReentrant tests that a callback may arm a new timer
func TestMockClock_AfterFuncReentrant(t *testing.T) {
	clock := NewMockClock(epoch)
	fired := 0
	clock.AfterFunc(time.Second, func() {
		fired++
		clock.AfterFunc(time.Second, func() { fired++ })
	})

	clock.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	clock.Advance(time.Second)
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
}

func TestMockTimer_Stop(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(time.Second)
	if !timer.Stop() {
		t.Error("Stop() on armed timer reported inactive")
	}
	if timer.Stop() {
		t.Error("second Stop() reported active")
	}
	clock.Advance(time.Second)
	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
	if n := clock.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers() = %d, want 0", n)
	}
}

func TestMockTicker(t *testing.T) {
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(time.Second)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		select {
		case <-ticker.C():
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Error("stopped ticker delivered a tick")
	default:
	}
}

func TestMockClock_Since(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Advance(1500 * time.Millisecond)
	if got := clock.Since(epoch); got != 1500*time.Millisecond {
		t.Errorf("Since() = %v, want 1.5s", got)
	}
	clock.Set(epoch)
	if got := clock.Since(epoch); got != 0 {
		t.Errorf("Since() after Set = %v, want 0", got)
	}
}
