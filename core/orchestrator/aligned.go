package orchestrator

import (
	"context"
	"sort"
	"time"
)

// NextAligned computes the next wall-clock instant at or after now whose
// minute-of-hour is in slots and whose second equals delaySeconds. Slots
// outside [0, 59] are ignored; an empty slot set returns the zero time.
func NextAligned(now time.Time, slots []int, delaySeconds int) time.Time {
	valid := make([]int, 0, len(slots))
	for _, s := range slots {
		if s >= 0 && s <= 59 {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return time.Time{}
	}
	sort.Ints(valid)

	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	for h := 0; h < 2; h++ {
		base := hour.Add(time.Duration(h) * time.Hour)
		for _, m := range valid {
			candidate := base.Add(time.Duration(m)*time.Minute + time.Duration(delaySeconds)*time.Second)
			if !candidate.Before(now) {
				return candidate
			}
		}
	}
	// Unreachable: the first slot of the following hour is always >= now.
	return hour.Add(time.Hour + time.Duration(valid[0])*time.Minute + time.Duration(delaySeconds)*time.Second)
}

// alignedLoop triggers automatic runs at the configured minute-of-hour slots.
// It sleeps until the next due instant, re-evaluating early when the slot
// configuration changes. A due slot that cannot start (run already active,
// warm-up, auto-run disabled) records a skip reason and is not retried.
func (o *Orchestrator) alignedLoop(ctx context.Context) {
	const recheck = 2 * time.Second
	for {
		slots, delay, enabled := o.alignedConfig()
		if !enabled || len(slots) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-o.reloadCh:
				continue
			case <-time.After(recheck):
				continue
			}
		}

		next := NextAligned(o.clock(), slots, delay)
		o.setNextAligned(next)

		wait := time.Until(next)
		if wait > recheck {
			wait = recheck
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-o.reloadCh:
			continue
		case <-time.After(wait):
		}
		if o.clock().Before(next) {
			continue
		}

		if err := o.startAutomaticRun(ctx, "aligned_schedule", nil); err != nil {
			o.setSkipReason("aligned slot " + next.Format(time.RFC3339) + ": " + err.Error())
			o.log.Debugf("aligned slot skipped: %v", err)
		}
		// Advance past this slot regardless of outcome.
		o.sleepPast(ctx, next)
	}
}

// sleepPast waits until now is strictly after t so the slot is not re-triggered.
func (o *Orchestrator) sleepPast(ctx context.Context, t time.Time) {
	for !o.clock().After(t) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) alignedConfig() ([]int, int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	slots := append([]int(nil), o.cfg.Slots...)
	return slots, o.cfg.SlotDelaySeconds, o.cfg.AlignedEnabled && o.cfg.AutoRun
}

func (o *Orchestrator) setNextAligned(t time.Time) {
	o.mu.Lock()
	if t.IsZero() {
		o.status.NextAlignedAt = nil
	} else {
		tt := t
		o.status.NextAlignedAt = &tt
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setSkipReason(reason string) {
	o.mu.Lock()
	o.status.LastSkipReason = reason
	o.mu.Unlock()
}

// UpdateSchedule replaces the aligned-slot configuration and wakes the loop.
func (o *Orchestrator) UpdateSchedule(slots []int, delaySeconds int, enabled bool) {
	o.mu.Lock()
	o.cfg.Slots = append([]int(nil), slots...)
	o.cfg.SlotDelaySeconds = delaySeconds
	o.cfg.AlignedEnabled = enabled
	o.mu.Unlock()
	select {
	case o.reloadCh <- struct{}{}:
	default:
	}
}
