package actionqueue

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxJitter is the upper bound of the additive jitter, as a fraction of the
// raw delay.
const maxJitter = 0.1

// delayCeiling bounds delays when a policy carries no MaxDelay.
const delayCeiling = 24 * time.Hour

// jitterFraction returns a value in [0, maxJitter). Swapped in tests.
var jitterFraction = func() float64 {
	return rand.Float64() * maxJitter
}

// ComputeDelay returns the wait before the attempt following attempt (1-based):
// BaseDelay * BackoffFactor^(attempt-1) plus up to 10% jitter, capped at
// MaxDelay and floored to whole milliseconds.
func ComputeDelay(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	raw := float64(p.BaseDelay.Milliseconds()) * math.Pow(factor, float64(attempt-1))
	delay := raw + raw*jitterFraction()

	ceiling := float64(delayCeiling.Milliseconds())
	if p.MaxDelay > 0 {
		ceiling = float64(p.MaxDelay.Milliseconds())
	}
	if delay > ceiling || math.IsInf(delay, 1) || math.IsNaN(delay) {
		delay = ceiling
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(math.Floor(delay)) * time.Millisecond
}
