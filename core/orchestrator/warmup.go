package orchestrator

import (
	"strings"
	"sync"
	"time"
)

// warmupTracker recognizes the optimizer's post-restart window where plan and
// solution endpoints 404 with a "did you configure automatic optimization"
// message while the optimizer is otherwise healthy. Run-starting operations
// are blocked until the condition clears or a grace period elapses.
//
// The optimizer's own reported startup time is cross-checked so that the same
// message seen long after startup (steady-state "not configured") is not
// mistaken for a fresh restart.
type warmupTracker struct {
	mu sync.Mutex

	patterns      []string
	grace         time.Duration
	startupWindow time.Duration

	firstSeen   time.Time
	lastStartup *time.Time
}

func newWarmupTracker(patterns []string, grace, startupWindow time.Duration) *warmupTracker {
	return &warmupTracker{patterns: patterns, grace: grace, startupWindow: startupWindow}
}

// SetStartup records the optimizer's reported startup time from health polls.
func (w *warmupTracker) SetStartup(startup *time.Time) {
	w.mu.Lock()
	w.lastStartup = startup
	w.mu.Unlock()
}

// Matches reports whether the detail text is a warm-up style message.
func (w *warmupTracker) Matches(detail string) bool {
	lower := strings.ToLower(detail)
	for _, p := range w.patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Observe records a warm-up style condition seen at now. The observation only
// arms the tracker when the optimizer started recently; otherwise the message
// is steady-state "not configured" and must not block runs.
func (w *warmupTracker) Observe(detail string, now time.Time) bool {
	if !w.Matches(detail) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastStartup != nil && now.Sub(*w.lastStartup) > w.startupWindow {
		return false
	}
	if w.firstSeen.IsZero() {
		w.firstSeen = now
	}
	return true
}

// Clear resets the tracker; called once plan or solution become available.
func (w *warmupTracker) Clear() {
	w.mu.Lock()
	w.firstSeen = time.Time{}
	w.mu.Unlock()
}

// Blocked reports whether run-starting operations should be rejected at now.
func (w *warmupTracker) Blocked(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstSeen.IsZero() {
		return false
	}
	if now.Sub(w.firstSeen) >= w.grace {
		// Grace elapsed, disarm.
		w.firstSeen = time.Time{}
		return false
	}
	return true
}

// Since returns the first observation time, zero when not armed.
func (w *warmupTracker) Since() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstSeen
}
