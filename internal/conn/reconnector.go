package conn

import (
	"math"
	"math/rand"
	"time"
)

// stableUptime is how long a connection must have lasted before the next
// outage starts from a fresh backoff.
const stableUptime = 60 * time.Second

// reconnector computes jittered exponential backoff delays. A session that
// stayed up past stableUptime earns one reset of the attempt counter on its
// next outage; within the outage the delays then grow normally.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// connectedAt is consumed here: the uptime check must run once per
	// outage, not on every attempt, or the backoff never grows.
	if !r.connectedAt.IsZero() {
		if time.Since(r.connectedAt) > stableUptime {
			r.attempt = 0
		}
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
