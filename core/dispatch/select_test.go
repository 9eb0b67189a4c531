package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hemsd/hemsd/core/model"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tsp(s string) *time.Time {
	t := ts(s)
	return &t
}

func row(idx int, resource, typ, mode string, factor float64, starts string, ends, exec *time.Time) model.PlanInstruction {
	return model.PlanInstruction{
		RunID:               "run1",
		Index:               idx,
		ResourceID:          resource,
		Type:                typ,
		OperationModeID:     mode,
		OperationModeFactor: factor,
		StartsAt:            ts(starts),
		EndsAt:              ends,
		ExecutionTime:       exec,
	}
}

func TestNormalizeSortsAndResolvesEffectiveTime(t *testing.T) {
	rows := []model.PlanInstruction{
		row(1, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T12:00:00Z", nil, tsp("2025-06-01T12:30:00Z")),
		row(0, "battery1", "idle", "IDLE", 0, "2025-06-01T11:00:00Z", nil, nil),
		row(2, "ev1", "charge", "FORCED_CHARGE", 0.5, "2025-06-01T10:00:00Z", nil, nil),
	}
	got := Normalize(rows)
	assert.Equal(t, "battery1", got[0].ResourceID)
	assert.Equal(t, ts("2025-06-01T11:00:00Z"), got[0].EffectiveAt)
	assert.Equal(t, ts("2025-06-01T12:30:00Z"), got[1].EffectiveAt)
	assert.Equal(t, "ev1", got[2].ResourceID)
}

func TestSelectCurrentPicksLatestEffective(t *testing.T) {
	instructions := Normalize([]model.PlanInstruction{
		row(0, "battery1", "idle", "IDLE", 0, "2025-06-01T10:00:00Z", nil, nil),
		row(1, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T11:00:00Z", nil, nil),
		row(2, "battery1", "discharge", "FORCED_DISCHARGE", -1, "2025-06-01T14:00:00Z", nil, nil),
	})
	current := SelectCurrent(instructions, ts("2025-06-01T12:00:00Z"))
	assert.Len(t, current, 1)
	assert.Equal(t, "FORCED_CHARGE", current["battery1"].OperationModeID)
}

func TestSelectCurrentRespectsEndsAt(t *testing.T) {
	instructions := Normalize([]model.PlanInstruction{
		row(0, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:00:00Z", tsp("2025-06-01T11:00:00Z"), nil),
	})
	assert.Empty(t, SelectCurrent(instructions, ts("2025-06-01T11:00:00Z")))
	assert.Len(t, SelectCurrent(instructions, ts("2025-06-01T10:30:00Z")), 1)
}

func TestSelectCurrentTieBrokenByIndex(t *testing.T) {
	instructions := Normalize([]model.PlanInstruction{
		row(3, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:00:00Z", nil, nil),
		row(7, "battery1", "discharge", "FORCED_DISCHARGE", -1, "2025-06-01T10:00:00Z", nil, nil),
	})
	current := SelectCurrent(instructions, ts("2025-06-01T12:00:00Z"))
	assert.Equal(t, 7, current["battery1"].Index)
}

func TestSelectCurrentOmitsResourcesWithoutEligibleInstruction(t *testing.T) {
	instructions := Normalize([]model.PlanInstruction{
		row(0, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:00:00Z", nil, nil),
		row(1, "ev1", "charge", "FORCED_CHARGE", 1, "2025-06-01T15:00:00Z", nil, nil),
	})
	current := SelectCurrent(instructions, ts("2025-06-01T12:00:00Z"))
	_, ok := current["ev1"]
	assert.False(t, ok)
	assert.Len(t, current, 1)
}

func TestBuildTimelineDeduplicatesTransitions(t *testing.T) {
	instructions := Normalize([]model.PlanInstruction{
		row(0, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:00:00Z", nil, nil),
		row(1, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:15:00Z", nil, nil),
		row(2, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:30:00Z", nil, nil),
		row(3, "battery1", "discharge", "FORCED_DISCHARGE", -1, "2025-06-01T10:45:00Z", nil, nil),
		row(4, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T11:00:00Z", nil, nil),
	})
	entries := BuildTimeline(instructions, TimelineOptions{})
	assert.Len(t, entries, 3)
	assert.Equal(t, "FORCED_CHARGE", entries[0].OperationModeID)
	assert.Equal(t, "FORCED_DISCHARGE", entries[1].OperationModeID)
	assert.Equal(t, "FORCED_CHARGE", entries[2].OperationModeID)
	for i := 1; i < len(entries); i++ {
		if entries[i].ResourceID == entries[i-1].ResourceID {
			assert.NotEqual(t, entries[i-1].OperationModeID, entries[i].OperationModeID)
		}
	}
}

func TestBuildTimelinePerResourceDedup(t *testing.T) {
	instructions := Normalize([]model.PlanInstruction{
		row(0, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:00:00Z", nil, nil),
		row(1, "ev1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:05:00Z", nil, nil),
		row(2, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:10:00Z", nil, nil),
	})
	entries := BuildTimeline(instructions, TimelineOptions{})
	// ev1's identical state does not reset battery1's run-length encoding.
	assert.Len(t, entries, 2)
}

func TestBuildTimelineBounds(t *testing.T) {
	instructions := Normalize([]model.PlanInstruction{
		row(0, "battery1", "charge", "FORCED_CHARGE", 1, "2025-06-01T10:00:00Z", nil, nil),
		row(1, "battery1", "discharge", "FORCED_DISCHARGE", -1, "2025-06-01T11:00:00Z", nil, nil),
		row(2, "ev1", "charge", "FORCED_CHARGE", 0.5, "2025-06-01T12:00:00Z", nil, nil),
	})
	from := ts("2025-06-01T10:30:00Z")
	entries := BuildTimeline(instructions, TimelineOptions{ResourceID: "battery1", From: &from})
	assert.Len(t, entries, 1)
	assert.Equal(t, "FORCED_DISCHARGE", entries[0].OperationModeID)
}
