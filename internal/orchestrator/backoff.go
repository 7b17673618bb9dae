package orchestrator

import (
	"math"
	"time"
)

// backoff computes the delay before the next attempt: exponential in the
// attempt number with symmetric jitter, never below the gateway's retry-after
// hint.
func (o *Orchestrator) backoff(attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := o.cfg.RetryBaseSeconds * math.Pow(2, float64(attempt-1))
	factor := 1 + o.cfg.RetryJitterPct*(2*o.rng()-1)
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(base * factor * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	if hint > delay {
		return hint
	}
	return delay
}
