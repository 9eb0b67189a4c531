package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemsd/hemsd/core/model"
)

func TestParsePlan(t *testing.T) {
	planID, instructions, err := parsePlan("run1", planDoc())
	require.NoError(t, err)
	assert.Equal(t, "p1", planID)
	require.Len(t, instructions, 2)

	first := instructions[0]
	assert.Equal(t, "run1", first.RunID)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "battery1", first.ResourceID)
	assert.Equal(t, "FORCED_CHARGE", first.OperationModeID)
	assert.Equal(t, 1.0, first.OperationModeFactor)
	assert.Equal(t, at("2025-06-01T12:00:00Z"), first.StartsAt.UTC())
	require.NotNil(t, first.EndsAt)
	assert.NotNil(t, first.Raw)

	assert.Nil(t, instructions[1].EndsAt)
}

func TestParsePlanFallbackIDs(t *testing.T) {
	doc := map[string]any{"id": "alt", "instructions": []any{}}
	planID, _, err := parsePlan("run1", doc)
	require.NoError(t, err)
	assert.Equal(t, "alt", planID)

	doc = map[string]any{"instructions": []any{}}
	planID, _, err = parsePlan("run1", doc)
	require.NoError(t, err)
	assert.Equal(t, "latest", planID)
}

func TestParsePlanRejectsMalformed(t *testing.T) {
	_, _, err := parsePlan("run1", map[string]any{"plan_id": "p1"})
	assert.ErrorContains(t, err, "no instructions list")

	_, _, err = parsePlan("run1", map[string]any{"instructions": []any{
		map[string]any{"starts_at": "2025-06-01T12:00:00Z"},
	}})
	assert.ErrorContains(t, err, "no resource_id")

	_, _, err = parsePlan("run1", map[string]any{"instructions": []any{
		map[string]any{"resource_id": "battery1"},
	}})
	assert.ErrorContains(t, err, "no starts_at")
}

func TestParseTimeFieldFormats(t *testing.T) {
	for _, s := range []string{
		"2025-06-01T12:00:00Z",
		"2025-06-01T12:00:00.123456789Z",
		"2025-06-01 12:00:00",
	} {
		got := parseTimeField(s)
		require.NotNil(t, got, s)
		assert.Equal(t, 12, got.Hour())
	}
	assert.Nil(t, parseTimeField(""))
	assert.Nil(t, parseTimeField(42))
	assert.Nil(t, parseTimeField("yesterday"))
}

func TestValidityWindow(t *testing.T) {
	ends := at("2025-06-01T15:00:00Z")
	exec := at("2025-06-01T11:30:00Z")
	instructions := []model.PlanInstruction{
		{StartsAt: at("2025-06-01T12:00:00Z"), ExecutionTime: &exec},
		{StartsAt: at("2025-06-01T13:00:00Z"), EndsAt: &ends},
		{StartsAt: at("2025-06-01T14:00:00Z")},
	}
	from, until := validityWindow(instructions)
	require.NotNil(t, from)
	require.NotNil(t, until)
	assert.Equal(t, exec, *from)
	assert.Equal(t, ends, *until)
}

func TestValidityWindowEmpty(t *testing.T) {
	from, until := validityWindow(nil)
	assert.Nil(t, from)
	assert.Nil(t, until)
}

func TestCaptureResultStatus(t *testing.T) {
	cases := []struct {
		name string
		res  captureResult
		want model.RunStatus
	}{
		{"clean", captureResult{captured: 3}, model.RunSuccess},
		{"with notes", captureResult{captured: 3, notes: []string{"plan capture failed"}}, model.RunPartial},
		{"nothing captured", captureResult{}, model.RunFailed},
		{"fatal wins", captureResult{captured: 3, fatal: true}, model.RunFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := tc.res
			assert.Equal(t, tc.want, res.status())
		})
	}
}

func TestLookupPathHelpers(t *testing.T) {
	doc := map[string]any{
		"ems": map[string]any{"interval": 600.0, "mode": "auto"},
	}
	v, ok := lookupPath(doc, "ems.interval")
	require.True(t, ok)
	assert.Equal(t, 600.0, v)

	_, ok = lookupPath(doc, "ems.missing")
	assert.False(t, ok)
	_, ok = lookupPath(doc, "ems.interval.deeper")
	assert.False(t, ok)

	n, ok := numberAt(doc, "ems.interval")
	require.True(t, ok)
	assert.Equal(t, 600.0, n)
	_, ok = numberAt(doc, "ems.mode")
	assert.False(t, ok)

	s, ok := stringAt(doc, "ems.mode")
	require.True(t, ok)
	assert.Equal(t, "auto", s)
}

func TestResolvePathsPrefersExisting(t *testing.T) {
	doc := map[string]any{
		"server": map[string]any{"ems_interval": 300.0},
	}
	pc := pathConfig{cycleInterval: []string{"ems.interval", "server.ems_interval"}}
	paths := resolvePaths(doc, pc)
	assert.Equal(t, "server.ems_interval", paths.cycleInterval)

	// Nothing matches: keep the first candidate for writes.
	paths = resolvePaths(map[string]any{}, pc)
	assert.Equal(t, "ems.interval", paths.cycleInterval)
}
