package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAcrossOutage(t *testing.T) {
	r := &reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second}
	r.attempt = 3
	r.connectedAt = time.Now().Add(-2 * time.Minute)

	// A session that stayed up past the stable window starts the new
	// outage from the base delay.
	first := r.nextDelay()
	assert.Less(t, first, 2*time.Second)

	// The reset is spent; within the same outage the delays back off.
	var last time.Duration
	for i := 0; i < 4; i++ {
		last = r.nextDelay()
	}
	assert.GreaterOrEqual(t, last, 16*time.Second)
}

func TestBackoffKeepsAttemptAfterShortUptime(t *testing.T) {
	r := &reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second}
	r.nextDelay()
	r.nextDelay()

	// A connection that dropped right after coming up does not earn a
	// fresh counter.
	r.markConnected()
	delay := r.nextDelay()
	assert.GreaterOrEqual(t, delay, 4*time.Second)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	r := &reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second}
	r.attempt = 10
	assert.LessOrEqual(t, r.nextDelay(), 30*time.Second)
}

func TestShouldReconnectHonorsMaxAttempts(t *testing.T) {
	forever := &reconnector{baseDelay: time.Second, maxDelay: time.Second}
	forever.attempt = 1000
	assert.True(t, forever.shouldReconnect())

	capped := &reconnector{baseDelay: time.Second, maxDelay: time.Second, maxAttempts: 3}
	assert.True(t, capped.shouldReconnect())
	capped.attempt = 3
	assert.False(t, capped.shouldReconnect())
}
