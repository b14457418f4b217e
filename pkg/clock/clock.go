package clock

import "time"

// clock is the source of lease timestamps
// lease times travel inside replicated commands and are compared on other
// machines, so this is wall-clock time in UTC, not a process-local monotonic
// offset. Clients guard against it moving backwards themselves.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the system clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
