package clock

import (
	"sync"
	"time"
)

// Manual is a clock that only moves when told to, for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After fires once the clock has been advanced by at least d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	return ch
}

func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward and fires due timers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.fireLocked()
	m.mu.Unlock()
}

// Set jumps to t, which may be in the past.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.fireLocked()
	m.mu.Unlock()
}

func (m *Manual) fireLocked() {
	pending := m.timers[:0]
	for _, t := range m.timers {
		if !t.at.After(m.now) {
			t.ch <- m.now
			continue
		}
		pending = append(pending, t)
	}
	m.timers = pending
}
