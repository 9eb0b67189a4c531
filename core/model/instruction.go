package model

import "time"

// PlanInstruction is one timed directive for a resource, derived from the
// optimizer's plan. Instructions for a run are replaced wholesale when a new
// plan artifact is captured, never partially mutated.
type PlanInstruction struct {
	RunID      string `json:"run_id"`
	Index      int    `json:"instruction_index"`
	ResourceID string `json:"resource_id"`
	ActuatorID string `json:"actuator_id,omitempty"`
	Type       string `json:"instruction_type"`
	// OperationModeID names the actuator mode, e.g. "FORCED_CHARGE".
	OperationModeID string `json:"operation_mode_id"`
	// OperationModeFactor is a signed intensity in [-1, 1].
	OperationModeFactor float64    `json:"operation_mode_factor"`
	StartsAt            time.Time  `json:"starts_at"`
	EndsAt              *time.Time `json:"ends_at,omitempty"`
	// ExecutionTime is the moment the instruction becomes effective. Falls
	// back to StartsAt when the plan does not carry a separate value.
	ExecutionTime *time.Time     `json:"execution_time,omitempty"`
	Raw           map[string]any `json:"instruction"`
}

// EffectiveAt returns the instant the instruction becomes effective.
func (p PlanInstruction) EffectiveAt() time.Time {
	if p.ExecutionTime != nil {
		return *p.ExecutionTime
	}
	return p.StartsAt
}
