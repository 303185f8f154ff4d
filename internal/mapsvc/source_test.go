package mapsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestReconnectBackoffDoubling(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &inputSource{
		log:            zap.NewNop(),
		role:           RoleRudder,
		initialBackoff: initialReconnectBackoff,
		maxBackoff:     maxReconnectBackoff,
		backoff:        initialReconnectBackoff,
	}

	src.markOffline(base)
	assert.Equal(t, 500*time.Millisecond, src.backoff)
	assert.False(t, src.retryDue(base))
	assert.False(t, src.retryDue(base.Add(499*time.Millisecond)))
	assert.True(t, src.retryDue(base.Add(500*time.Millisecond)))

	// Each failed attempt doubles the wait, capped at the ceiling.
	now := base.Add(500 * time.Millisecond)
	src.retryFailed(now)
	assert.Equal(t, time.Second, src.backoff)
	assert.Equal(t, now.Add(time.Second), src.nextAttempt)

	src.retryFailed(now)
	assert.Equal(t, 2*time.Second, src.backoff)

	src.retryFailed(now)
	assert.Equal(t, 2*time.Second, src.backoff, "backoff caps at the ceiling")

	src.retrySucceeded()
	assert.Equal(t, 500*time.Millisecond, src.backoff, "success resets to the initial backoff")
	assert.True(t, src.retryDue(now))
}

func TestMarkOfflineIdempotentOnClosedSource(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &inputSource{
		log:            zap.NewNop(),
		role:           RoleStick,
		initialBackoff: initialReconnectBackoff,
		maxBackoff:     maxReconnectBackoff,
	}

	// A partially-constructed source (no device) marks offline cleanly and
	// arms the initial deadline.
	src.markOffline(base)
	src.markOffline(base)
	assert.False(t, src.online())
	assert.Equal(t, initialReconnectBackoff, src.backoff)
	assert.Equal(t, base.Add(initialReconnectBackoff), src.nextAttempt)
}
