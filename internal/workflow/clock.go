package workflow

import "time"

// Clock abstracts time for deterministic workflow code. Workflow functions
// must not read the wall clock directly; they go through Context.Sleep and
// Context.Now, which route here.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
