package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const warmupDetail = "Did you configure automatic optimization?"

func newTestTracker() *warmupTracker {
	return newWarmupTracker(
		[]string{"did you configure automatic optimization"},
		5*time.Minute,
		15*time.Minute,
	)
}

func TestWarmupMatchesCaseInsensitive(t *testing.T) {
	w := newTestTracker()
	assert.True(t, w.Matches(warmupDetail))
	assert.True(t, w.Matches("error: DID YOU CONFIGURE AUTOMATIC OPTIMIZATION"))
	assert.False(t, w.Matches("plan not found"))
}

func TestWarmupArmsAfterRecentStartup(t *testing.T) {
	w := newTestTracker()
	now := at("2025-06-01T12:00:00Z")
	startup := now.Add(-2 * time.Minute)
	w.SetStartup(&startup)

	assert.True(t, w.Observe(warmupDetail, now))
	assert.True(t, w.Blocked(now))
	assert.Equal(t, now, w.Since())
}

func TestWarmupSteadyStateMessageDoesNotArm(t *testing.T) {
	w := newTestTracker()
	now := at("2025-06-01T12:00:00Z")
	startup := now.Add(-2 * time.Hour)
	w.SetStartup(&startup)

	assert.False(t, w.Observe(warmupDetail, now))
	assert.False(t, w.Blocked(now))
}

func TestWarmupArmsWithoutStartupInfo(t *testing.T) {
	w := newTestTracker()
	now := at("2025-06-01T12:00:00Z")
	assert.True(t, w.Observe(warmupDetail, now))
	assert.True(t, w.Blocked(now))
}

func TestWarmupGraceDisarms(t *testing.T) {
	w := newTestTracker()
	now := at("2025-06-01T12:00:00Z")
	w.Observe(warmupDetail, now)

	assert.True(t, w.Blocked(now.Add(4*time.Minute)))
	assert.False(t, w.Blocked(now.Add(6*time.Minute)))
	// Disarmed for good, not just for that instant.
	assert.False(t, w.Blocked(now.Add(4*time.Minute)))
}

func TestWarmupClear(t *testing.T) {
	w := newTestTracker()
	now := at("2025-06-01T12:00:00Z")
	w.Observe(warmupDetail, now)
	w.Clear()
	assert.False(t, w.Blocked(now))
	assert.True(t, w.Since().IsZero())
}
