package relay

import (
	"math"
	"math/rand"
	"time"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/config"
)

// maxInnerTries bounds the publish tries within one claim cycle so a
// flapping broker cannot pin a batch. Durable retry state lives in the
// outbox row.
const maxInnerTries = 3

// RetryPolicy computes redelivery delays for failed events. Delays grow
// exponentially from InitialDelay and never exceed MaxDelay.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	JitterRatio  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		JitterRatio:  0.2,
	}
}

func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		Jitter:       cfg.RetryJitter,
		JitterRatio:  cfg.RetryJitterRatio,
	}
}

// Delay returns the wait before retry attempt (1-based). Jitter spreads the
// result across [base-ratio*base, base+ratio*base] so a burst of failures
// does not wake up as a burst of retries.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if limit := float64(p.MaxDelay); limit > 0 && base > limit {
		base = limit
	}

	d := base
	if p.Jitter && p.JitterRatio > 0 {
		delta := base * p.JitterRatio
		d = base - delta + rand.Float64()*2*delta
	}
	if limit := float64(p.MaxDelay); limit > 0 && d > limit {
		d = limit
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// MinDelay is the shortest configured delay. Used when an event should be
// re-claimed promptly, e.g. after a cycle aborted on an open circuit.
func (p RetryPolicy) MinDelay() time.Duration {
	return p.InitialDelay
}

// TriesFor returns the publish try budget for one claim cycle given the
// post-claim attempt count. The last permitted cycle still gets one real try.
func (p RetryPolicy) TriesFor(attempts, maxAttempts int) int {
	tries := maxAttempts - attempts + 1
	if tries > maxInnerTries {
		tries = maxInnerTries
	}
	if tries < 1 {
		tries = 1
	}
	return tries
}
