package dispatch

import "time"

// TimelineEntry is one transition in a resource's dispatch timeline.
type TimelineEntry struct {
	ResourceID          string     `json:"resource_id"`
	ActuatorID          string     `json:"actuator_id,omitempty"`
	Type                string     `json:"instruction_type"`
	OperationModeID     string     `json:"operation_mode_id"`
	OperationModeFactor float64    `json:"operation_mode_factor"`
	EffectiveAt         time.Time  `json:"effective_at"`
	EndsAt              *time.Time `json:"ends_at,omitempty"`
}

// TimelineOptions bounds BuildTimeline. Zero values mean unbounded.
type TimelineOptions struct {
	ResourceID string
	From       *time.Time
	To         *time.Time
}

// BuildTimeline filters instructions by the given bounds and collapses them
// per resource by run-length encoding: an entry is only emitted when the
// (type, operation mode, factor, actuator) tuple changes from the previous
// entry for that resource. The result shows transitions, not raw instructions.
func BuildTimeline(instructions []Instruction, opts TimelineOptions) []TimelineEntry {
	last := make(map[string]stateTuple)
	var out []TimelineEntry
	for _, ins := range instructions {
		if opts.ResourceID != "" && ins.ResourceID != opts.ResourceID {
			continue
		}
		if opts.From != nil && ins.EffectiveAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && ins.EffectiveAt.After(*opts.To) {
			continue
		}
		t := ins.tuple()
		if prev, ok := last[ins.ResourceID]; ok && prev == t {
			continue
		}
		last[ins.ResourceID] = t
		out = append(out, TimelineEntry{
			ResourceID:          ins.ResourceID,
			ActuatorID:          ins.ActuatorID,
			Type:                ins.Type,
			OperationModeID:     ins.OperationModeID,
			OperationModeFactor: ins.OperationModeFactor,
			EffectiveAt:         ins.EffectiveAt,
			EndsAt:              ins.EndsAt,
		})
	}
	return out
}
