// Package api exposes the HTTP control surface: force runs, prediction
// refreshes, runtime tuning and the dispatch views.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hemsd/hemsd/core/dispatch"
	"github.com/hemsd/hemsd/core/orchestrator"
	"github.com/hemsd/hemsd/core/repository"
	"github.com/hemsd/hemsd/infra/logger"
)

// RunController is the orchestrator surface the API depends on.
type RunController interface {
	RequestForceRun(ctx context.Context) (string, error)
	RequestPredictionRefresh(ctx context.Context, scope orchestrator.RefreshScope) (string, error)
	GetCollectorStatus() orchestrator.CollectorStatus
	GetRuntimeSnapshot() orchestrator.RuntimeSnapshot
	UpdateRuntimeConfig(ctx context.Context, mode string, intervalSeconds int) error
	UpdateSchedule(slots []int, delaySeconds int, enabled bool)
	SetAutoRun(enabled bool)
}

// DispatchController is the dispatch engine surface the API depends on.
type DispatchController interface {
	ForceDispatch(ctx context.Context, resourceIDs []string) (string, []string, error)
	CurrentOutputs(ctx context.Context, runID string) ([]dispatch.CurrentOutput, error)
	Timeline(ctx context.Context, runID string, opts dispatch.TimelineOptions) ([]dispatch.TimelineEntry, error)
	GetStatusSnapshot() dispatch.StatusSnapshot
}

// Server serves the control API on its own listener.
type Server struct {
	srv *http.Server
	log logger.Logger
}

// NewServer builds the router and HTTP server.
func NewServer(addr string, orch RunController, eng DispatchController, targets repository.Targets, events repository.DispatchEvents) *Server {
	h := &handlers{orch: orch, eng: eng, targets: targets, events: events, log: logger.New("api")}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/runs/force", h.forceRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/prediction-refresh", h.predictionRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/runs/collector-status", h.collectorStatus).Methods(http.MethodGet)

	v1.HandleFunc("/runtime", h.getRuntime).Methods(http.MethodGet)
	v1.HandleFunc("/runtime", h.putRuntime).Methods(http.MethodPut)

	v1.HandleFunc("/dispatch/force", h.forceDispatch).Methods(http.MethodPost)
	v1.HandleFunc("/dispatch/current", h.currentOutputs).Methods(http.MethodGet)
	v1.HandleFunc("/dispatch/timeline", h.timeline).Methods(http.MethodGet)
	v1.HandleFunc("/dispatch/status", h.dispatchStatus).Methods(http.MethodGet)
	v1.HandleFunc("/dispatch/events", h.listEvents).Methods(http.MethodGet)

	v1.HandleFunc("/targets", h.listTargets).Methods(http.MethodGet)
	v1.HandleFunc("/targets/{resource_id}", h.upsertTarget).Methods(http.MethodPut)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: h.log,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("control API listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
