// Package clock abstracts wall-clock time so mode switches and budget
// resets can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer fires once on its channel when the deadline passes. Stop releases
// the timer; it reports whether the timer was still pending.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock provides the current time and absolute-deadline timers.
type Clock interface {
	Now() time.Time
	// NewTimer returns a timer that fires at the given absolute time.
	NewTimer(at time.Time) Timer
}

// System is a Clock backed by the runtime clock.
type System struct{}

// New returns the system clock.
func New() Clock {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (System) NewTimer(at time.Time) Timer {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return systemTimer{time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) C() <-chan time.Time { return t.t.C }
func (t systemTimer) Stop() bool          { return t.t.Stop() }

// Fake is a manually advanced Clock for tests. Advance moves the clock
// forward and fires any timers whose deadline has passed, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a Fake clock set to the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(at time.Time) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, at: at, ch: make(chan time.Time, 1)}
	if !at.After(f.now) {
		t.fired = true
		t.ch <- f.now
	} else {
		f.timers = append(f.timers, t)
	}
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}

// Set jumps the clock to the given instant, firing due timers in deadline order.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	f.now = now
	var due []*fakeTimer
	var pending []*fakeTimer
	for _, t := range f.timers {
		if !t.at.After(now) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	f.timers = pending
	f.mu.Unlock()

	for i := 0; i < len(due); i++ {
		for j := i + 1; j < len(due); j++ {
			if due[j].at.Before(due[i].at) {
				due[i], due[j] = due[j], due[i]
			}
		}
	}
	for _, t := range due {
		t.fired = true
		t.ch <- now
	}
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	ch    chan time.Time
	fired bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, other := range t.clock.timers {
		if other == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}
