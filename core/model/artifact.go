package model

import "time"

// ArtifactType classifies a captured document.
type ArtifactType string

const (
	ArtifactHealth               ArtifactType = "health"
	ArtifactPlan                 ArtifactType = "plan"
	ArtifactSolution             ArtifactType = "solution"
	ArtifactPredictionKeys       ArtifactType = "prediction_keys"
	ArtifactPredictionSeries     ArtifactType = "prediction_series"
	ArtifactRunNote              ArtifactType = "run_note"
	ArtifactMeasurementPush      ArtifactType = "measurement_push"
	ArtifactLegacyRequest        ArtifactType = "legacy_request"
	ArtifactLegacyResponse       ArtifactType = "legacy_response"
	ArtifactPriceHistoryBackfill ArtifactType = "price_history_backfill"
	ArtifactPredictionRefresh    ArtifactType = "prediction_refresh"
	ArtifactRunInput             ArtifactType = "run_input"
)

// Artifact is a document captured during a run. Artifacts are immutable once
// written except for replace-on-same-key upserts.
type Artifact struct {
	ID      int64          `json:"id"`
	RunID   string         `json:"run_id"`
	Type    ArtifactType   `json:"artifact_type"`
	Key     string         `json:"artifact_key"`
	Payload map[string]any `json:"payload"`
	// ValidFrom/ValidUntil bound the window covered by the document, derived
	// from plan instruction execution times where applicable.
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
