package connection

import (
	"math/rand"
	"time"
)

// jitterFraction is the multiplicative jitter applied to retry delays.
const jitterFraction = 0.2

// backoffDelay computes the pre-jitter exponential backoff delay for a
// retry attempt: min(base * 2^retryCount, cap). Pure, for testability.
func backoffDelay(base, capDelay time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// Shift overflow guard: past ~30 doublings we are at the cap anyway.
	if retryCount > 30 {
		return capDelay
	}
	delay := base * time.Duration(1<<uint(retryCount))
	if delay > capDelay || delay <= 0 {
		delay = capDelay
	}
	return delay
}

// applyJitter spreads a delay by +/-20% so reconnecting nodes do not
// hammer the gateway in lockstep.
func applyJitter(d time.Duration, randFloat func() float64) time.Duration {
	if randFloat == nil {
		randFloat = rand.Float64
	}
	// randFloat in [0,1) -> factor in [1-jitter, 1+jitter)
	factor := 1 + (randFloat()*2-1)*jitterFraction
	return time.Duration(float64(d) * factor)
}
