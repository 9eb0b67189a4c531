package dispatch

import (
	"sort"
	"time"

	"github.com/hemsd/hemsd/core/model"
)

// Instruction is a plan instruction normalized for dispatch: timestamps in
// UTC and the effective time resolved (execution_time falling back to
// starts_at).
type Instruction struct {
	RunID               string
	Index               int
	ResourceID          string
	ActuatorID          string
	Type                string
	OperationModeID     string
	OperationModeFactor float64
	StartsAt            time.Time
	EndsAt              *time.Time
	EffectiveAt         time.Time
	Raw                 map[string]any
}

// Normalize converts stored plan instructions into dispatch instructions,
// sorted by (resource_id, effective time, instruction index).
func Normalize(rows []model.PlanInstruction) []Instruction {
	out := make([]Instruction, 0, len(rows))
	for _, row := range rows {
		ins := Instruction{
			RunID:               row.RunID,
			Index:               row.Index,
			ResourceID:          row.ResourceID,
			ActuatorID:          row.ActuatorID,
			Type:                row.Type,
			OperationModeID:     row.OperationModeID,
			OperationModeFactor: row.OperationModeFactor,
			StartsAt:            row.StartsAt.UTC(),
			EffectiveAt:         row.EffectiveAt().UTC(),
			Raw:                 row.Raw,
		}
		if row.EndsAt != nil {
			e := row.EndsAt.UTC()
			ins.EndsAt = &e
		}
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		if !out[i].EffectiveAt.Equal(out[j].EffectiveAt) {
			return out[i].EffectiveAt.Before(out[j].EffectiveAt)
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// stateTuple is the comparison key for timeline deduplication.
type stateTuple struct {
	Type       string
	ModeID     string
	Factor     float64
	ActuatorID string
}

func (i Instruction) tuple() stateTuple {
	return stateTuple{Type: i.Type, ModeID: i.OperationModeID, Factor: i.OperationModeFactor, ActuatorID: i.ActuatorID}
}
