package dispatch

import (
	"context"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/hemsd/hemsd/core/repository"
)

// Guard is the no-grid-charge safety interlock: battery-charging instructions
// are blocked while smoothed grid import exceeds the configured threshold.
type Guard struct {
	cfg   GuardConfig
	power repository.PowerSamples
}

// NewGuard creates a Guard. A nil power repository disables the guard.
func NewGuard(cfg GuardConfig, power repository.PowerSamples) *Guard {
	return &Guard{cfg: cfg, power: power}
}

// Check reports whether the instruction must be blocked and why. Guard
// failures to read power data never block dispatch; they surface as errors
// for the caller to log.
func (g *Guard) Check(ctx context.Context, ins Instruction) (bool, string, error) {
	if !g.cfg.Enabled || g.power == nil {
		return false, "", nil
	}
	if !g.isBatteryResource(ins.ResourceID) {
		return false, "", nil
	}
	if !classifyCharging(ins) {
		return false, "", nil
	}
	samples, err := g.power.Recent(ctx, g.cfg.SampleWindow)
	if err != nil {
		return false, "", fmt.Errorf("read grid power samples: %w", err)
	}
	if len(samples) == 0 {
		return false, "", nil
	}
	watts := make([]float64, len(samples))
	for i, s := range samples {
		watts[i] = s.Watts
	}
	mean := stat.Mean(watts, nil)
	if mean <= g.cfg.ThresholdWatts {
		return false, "", nil
	}
	reason := fmt.Sprintf("no-grid-charge guard: grid import %.0fW exceeds threshold %.0fW", mean, g.cfg.ThresholdWatts)
	return true, reason, nil
}

func (g *Guard) isBatteryResource(resourceID string) bool {
	id := strings.ToLower(resourceID)
	for _, kw := range g.cfg.BatteryKeywords {
		if strings.Contains(id, kw) {
			return true
		}
	}
	return false
}

// classifyCharging decides the instruction direction: instruction-type
// keywords first, then operation-mode-id keywords, then the sign of the
// operation-mode factor. "discharge" is checked before "charge" because the
// former contains the latter.
func classifyCharging(ins Instruction) bool {
	if dir, ok := directionFromKeywords(ins.Type); ok {
		return dir
	}
	if dir, ok := directionFromKeywords(ins.OperationModeID); ok {
		return dir
	}
	return ins.OperationModeFactor > 0
}

func directionFromKeywords(s string) (charging bool, ok bool) {
	lower := strings.ToLower(s)
	if strings.Contains(lower, "discharge") {
		return false, true
	}
	if strings.Contains(lower, "charge") {
		return true, true
	}
	return false, false
}
