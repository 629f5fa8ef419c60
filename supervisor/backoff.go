package supervisor

import "time"

// Backoff is a capped exponential restart delay.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^failures, never more than Max.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	wait := b.Base
	for i := 0; i < failures; i++ {
		next := wait * 2
		if b.Max > 0 && next > b.Max {
			return b.Max
		}
		wait = next
	}
	if b.Max > 0 && wait > b.Max {
		return b.Max
	}
	return wait
}
