package upstream

import (
	"math"
	"time"
)

// retryPolicy spaces out attempts against a registry or indexer endpoint.
// A Retry-After from the server wins over the computed delay, even past Max.
type retryPolicy struct {
	Base      time.Duration
	Max       time.Duration
	Jitter    float64       // fraction of the delay, 0..1
	RateFloor time.Duration // minimum wait after a 429
}

var defaultRetry = retryPolicy{
	Base:      500 * time.Millisecond,
	Max:       30 * time.Second,
	Jitter:    0.2,
	RateFloor: time.Second,
}

// delay returns the wait before retry number attempt (0 based) after err
func (p retryPolicy) delay(attempt int, err *Error, retryAfter time.Duration, rng float64) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	d := float64(base) * math.Pow(2, float64(max(attempt, 0)))
	if p.Jitter > 0 {
		d *= 1 + (rng*2-1)*math.Min(p.Jitter, 1)
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	out := time.Duration(d)
	if err != nil && err.StatusCode == 429 && out < p.RateFloor {
		out = p.RateFloor
	}
	return out
}
