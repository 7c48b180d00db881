// Package clock abstracts time for the scheduler and handlers so tests can
// drive the loop deterministically.
package clock

import "time"

// Clock supplies the current instant. NowUTC is what every persisted
// timestamp and discovery date derives from.
type Clock interface {
	Now() time.Time
	NowUTC() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time    { return time.Now() }
func (systemClock) NowUTC() time.Time { return time.Now().UTC() }

// System returns the real clock.
func System() Clock { return systemClock{} }

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake returns a fake clock starting at t.
func NewFake(t time.Time) *Fake { return &Fake{Current: t} }

func (f *Fake) Now() time.Time    { return f.Current }
func (f *Fake) NowUTC() time.Time { return f.Current.UTC() }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
