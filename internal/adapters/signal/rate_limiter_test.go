package signal

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoomRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(2, 3*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))

	now = now.Add(3 * time.Second)
	assert.True(t, rl.Allow("u1"))
}

func TestRoomRateLimiterPrunes(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(1, time.Second)
	rl.now = func() time.Time { return now }

	for i := 0; i <= pruneAbove; i++ {
		rl.Allow(strconv.Itoa(i))
	}
	now = now.Add(2 * time.Second)
	rl.Allow("fresh")
	assert.Len(t, rl.history, 1)
}
