package timer

import (
	"testing"
	"time"

	"github.com/danmuck/cfdp/internal/testutil/testlog"
)

func TestStartExpires(t *testing.T) {
	testlog.Start(t)
	clock := NewManualClock(time.Unix(1700000000, 0))
	tm := New(clock)

	tm.Start(5 * time.Second)
	if tm.Expired() {
		t.Fatalf("expired immediately after start")
	}
	clock.Advance(4999 * time.Millisecond)
	if tm.Expired() {
		t.Fatalf("expired before duration")
	}
	clock.Advance(time.Millisecond)
	if !tm.Expired() {
		t.Fatalf("expected expiry at duration")
	}
	if tm.TimeLeft() != 0 {
		t.Fatalf("expected zero time left, got %v", tm.TimeLeft())
	}
}

func TestPauseResumePreservesRemaining(t *testing.T) {
	testlog.Start(t)
	clock := NewManualClock(time.Unix(1700000000, 0))
	tm := New(clock)

	tm.Start(5 * time.Second)
	clock.Advance(2 * time.Second)
	tm.Pause()
	clock.Advance(time.Hour)
	if tm.Expired() {
		t.Fatalf("paused timer must not expire")
	}
	if got := tm.TimeLeft(); got != time.Hour {
		t.Fatalf("paused time left should report pause duration, got %v", got)
	}
	tm.Resume()
	if got := tm.TimeLeft(); got != 3*time.Second {
		t.Fatalf("expected 3s remaining after resume, got %v", got)
	}
	clock.Advance(3 * time.Second)
	if !tm.Expired() {
		t.Fatalf("expected expiry after remaining time")
	}
}

func TestCancelIsSticky(t *testing.T) {
	testlog.Start(t)
	clock := NewManualClock(time.Unix(1700000000, 0))
	tm := New(clock)

	tm.Start(time.Second)
	tm.Cancel()
	clock.Advance(time.Minute)
	if tm.Expired() || tm.State() != Off {
		t.Fatalf("cancelled timer expired or not off: %v", tm.State())
	}
	tm.Pause()
	tm.Resume()
	if tm.State() != Off {
		t.Fatalf("pause/resume must not revive a cancelled timer")
	}

	tm.Restart()
	if tm.State() != Running || tm.TimeLeft() != time.Second {
		t.Fatalf("restart should reuse last duration, state=%v left=%v", tm.State(), tm.TimeLeft())
	}
}
