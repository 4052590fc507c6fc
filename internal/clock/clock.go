// Package clock abstracts time so timer-driven code can be tested without
// real waits. Production code uses Real; tests drive a Fake by hand.
package clock

import "time"

// Clock tells the time and schedules delayed callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine (Real) or inside Advance (Fake)
	// once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or was already stopped.
	Stop() bool
}

// Real returns the wall clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
