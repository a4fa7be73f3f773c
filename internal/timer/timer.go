// Package timer provides the polled countdown used for inactivity, ACK and
// NAK supervision. Nothing here runs in the background; callers check
// Expired on their own tick.
package timer

import (
	"sync"
	"time"
)

// Clock is the time source a Timer reads.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock advanced explicitly, for deterministic tests and
// simulations.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type State int

const (
	Off State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "off"
	}
}

// Timer is a pausable countdown. The zero value is unusable; use New.
type Timer struct {
	clock    Clock
	state    State
	started  time.Time
	pausedAt time.Time
	duration time.Duration
}

func New(clock Clock) *Timer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Timer{clock: clock}
}

func (t *Timer) State() State {
	return t.state
}

// Start runs the timer for d from now.
func (t *Timer) Start(d time.Duration) {
	t.duration = d
	t.started = t.clock.Now()
	t.state = Running
}

// Restart runs the timer again with the last duration given to Start.
func (t *Timer) Restart() {
	t.Start(t.duration)
}

func (t *Timer) Cancel() {
	t.state = Off
}

// Pause freezes a running timer. Other states are left alone.
func (t *Timer) Pause() {
	if t.state != Running {
		return
	}
	t.pausedAt = t.clock.Now()
	t.state = Paused
}

// Resume continues a paused timer with the time it had left.
func (t *Timer) Resume() {
	if t.state != Paused {
		return
	}
	t.started = t.started.Add(t.clock.Now().Sub(t.pausedAt))
	t.state = Running
}

// Expired reports whether a running timer has reached its duration.
func (t *Timer) Expired() bool {
	return t.state == Running && t.clock.Now().Sub(t.started) >= t.duration
}

// TimeLeft is the remaining time while running, the time spent paused while
// paused, and zero when off.
func (t *Timer) TimeLeft() time.Duration {
	switch t.state {
	case Running:
		return max(t.duration-t.clock.Now().Sub(t.started), 0)
	case Paused:
		return t.clock.Now().Sub(t.pausedAt)
	default:
		return 0
	}
}
