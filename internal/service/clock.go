package service

import "time"

// Clock returns time.Now, or, if t0 is set, a clock that started at t0
// when Clock was called.
func Clock(t0 time.Time) func() time.Time {
	if t0.IsZero() {
		return time.Now
	}
	offset := time.Since(t0)
	loc := t0.Location()
	return func() time.Time { return time.Now().Add(-offset).In(loc) }
}
