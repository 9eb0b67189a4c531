package dispatch

import (
	"context"
	"time"

	"github.com/hemsd/hemsd/core/model"
)

// Sender delivers one webhook payload to a target. Implementations live under
// infra/webhook; tests use fakes. The returned int is the HTTP status code
// when one was received.
type Sender interface {
	Send(ctx context.Context, target model.OutputTarget, payload map[string]any, idempotencyKey string) (int, error)
}

// buildPayload merges the instruction fields over the target's configured
// template. Instruction fields win on key collision.
func buildPayload(target *model.OutputTarget, run *model.Run, ins Instruction, kind model.DispatchKind, now time.Time) map[string]any {
	payload := make(map[string]any, len(target.Template)+12)
	for k, v := range target.Template {
		payload[k] = v
	}
	payload["run_id"] = run.ID
	payload["dispatch_kind"] = string(kind)
	payload["generated_at"] = now.UTC().Format(time.RFC3339)
	payload["resource_id"] = ins.ResourceID
	payload["actuator_id"] = ins.ActuatorID
	payload["instruction_type"] = ins.Type
	payload["operation_mode_id"] = ins.OperationModeID
	payload["operation_mode_factor"] = ins.OperationModeFactor
	payload["effective_at"] = ins.EffectiveAt.Format(time.RFC3339)
	payload["starts_at"] = ins.StartsAt.Format(time.RFC3339)
	if ins.EndsAt != nil {
		payload["ends_at"] = ins.EndsAt.Format(time.RFC3339)
	}
	payload["instruction"] = ins.Raw
	return payload
}
