package dispatch

import "time"

// SelectCurrent picks, per resource, the instruction in force at the given
// instant: effective time <= now and ends_at (when present) > now. Among
// eligible candidates the latest effective time wins, ties broken by the
// higher instruction index. Resources with no eligible instruction are absent
// from the result.
func SelectCurrent(instructions []Instruction, now time.Time) map[string]Instruction {
	current := make(map[string]Instruction)
	for _, ins := range instructions {
		if ins.EffectiveAt.After(now) {
			continue
		}
		if ins.EndsAt != nil && !ins.EndsAt.After(now) {
			continue
		}
		prev, ok := current[ins.ResourceID]
		if !ok || betterCurrent(ins, prev) {
			current[ins.ResourceID] = ins
		}
	}
	return current
}

func betterCurrent(a, b Instruction) bool {
	if !a.EffectiveAt.Equal(b.EffectiveAt) {
		return a.EffectiveAt.After(b.EffectiveAt)
	}
	return a.Index > b.Index
}
