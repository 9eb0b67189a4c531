// Package optimizer defines the RPC surface of the external energy optimizer
// together with the error taxonomy and retry policy shared by every call site.
package optimizer

import (
	"context"
	"time"
)

// Health is the optimizer's health document. LastRun is the optimizer's own
// run timestamp; StartupTime is when the optimizer process started.
type Health struct {
	Payload     map[string]any
	LastRun     *time.Time
	StartupTime *time.Time
}

// Client is the abstract optimizer API. Every call may return an *APIError
// carrying the upstream HTTP status and detail text.
type Client interface {
	GetHealth(ctx context.Context) (Health, error)
	GetConfig(ctx context.Context) (map[string]any, error)
	PutConfig(ctx context.Context, doc map[string]any) error
	PutConfigPath(ctx context.Context, path string, value any) error
	SaveConfigFile(ctx context.Context) error
	GetPlan(ctx context.Context) (map[string]any, error)
	GetSolution(ctx context.Context) (map[string]any, error)
	GetPredictionKeys(ctx context.Context) ([]string, error)
	GetPredictionSeries(ctx context.Context, key string, start, end *time.Time) (map[string]any, error)
	GetPredictionList(ctx context.Context, key string, start, end *time.Time, interval string) ([]float64, error)
	TriggerPredictionUpdate(ctx context.Context, forceUpdate, forceEnable bool) error
	TriggerPredictionUpdateProvider(ctx context.Context, providerID string, forceUpdate, forceEnable bool) error
	GetMeasurementKeys(ctx context.Context) ([]string, error)
	PutMeasurementValue(ctx context.Context, key string, value float64, ts time.Time) error
	// RunOptimize invokes the legacy direct optimization endpoint.
	RunOptimize(ctx context.Context, payload map[string]any) (map[string]any, error)
	RestartServer(ctx context.Context) error
}
