// Package clock defines the time source shared by the reliability components.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}
