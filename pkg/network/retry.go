package network

import (
	"context"
	"time"
)

// Retry is a capped exponential delay between attempts.
// Not safe for concurrent use.
type Retry struct {
	base time.Duration
	max  time.Duration
	t    time.Duration
}

func NewRetry(base, max time.Duration) Retry {
	if max < base {
		max = base
	}
	return Retry{base: base, max: max, t: base}
}

// Fail waits the current delay (or until ctx is done) and doubles it.
// Returns false if ctx was cancelled while waiting.
func (r *Retry) Fail(ctx context.Context) bool {
	t := time.NewTimer(r.t)
	defer t.Stop()
	r.t *= 2
	if r.t > r.max {
		r.t = r.max
	}
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Retry) Success()            { r.t = r.base }
func (r *Retry) Time() time.Duration { return r.t }
