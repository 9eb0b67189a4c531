package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hemsd/hemsd/core/dispatch"
	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/orchestrator"
	"github.com/hemsd/hemsd/core/repository"
	"github.com/hemsd/hemsd/infra/logger"
)

type handlers struct {
	orch    RunController
	eng     DispatchController
	targets repository.Targets
	events  repository.DispatchEvents
	log     logger.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Errorf("encode response: %v", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrConflict),
		errors.Is(err, orchestrator.ErrWarmingUp),
		errors.Is(err, dispatch.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	}
	h.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *handlers) forceRun(w http.ResponseWriter, r *http.Request) {
	runID, err := h.orch.RequestForceRun(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (h *handlers) predictionRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
	}
	if s := r.URL.Query().Get("scope"); s != "" {
		req.Scope = s
	}
	if req.Scope == "" {
		req.Scope = string(orchestrator.ScopeAll)
	}
	scope := orchestrator.RefreshScope(req.Scope)
	if !orchestrator.ValidScope(scope) {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown scope " + req.Scope})
		return
	}
	runID, err := h.orch.RequestPredictionRefresh(r.Context(), scope)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (h *handlers) collectorStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orch.GetCollectorStatus())
}

func (h *handlers) getRuntime(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orch.GetRuntimeSnapshot())
}

type runtimeUpdate struct {
	AutoRun              *bool  `json:"auto_run,omitempty"`
	AlignedEnabled       *bool  `json:"aligned_enabled,omitempty"`
	Slots                []int  `json:"slots,omitempty"`
	SlotDelaySeconds     *int   `json:"slot_delay_seconds,omitempty"`
	CycleMode            string `json:"cycle_mode,omitempty"`
	CycleIntervalSeconds int    `json:"cycle_interval_seconds,omitempty"`
}

func (h *handlers) putRuntime(w http.ResponseWriter, r *http.Request) {
	var req runtimeUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if req.AutoRun != nil {
		h.orch.SetAutoRun(*req.AutoRun)
	}
	if req.Slots != nil || req.SlotDelaySeconds != nil || req.AlignedEnabled != nil {
		snap := h.orch.GetRuntimeSnapshot()
		slots := snap.Slots
		if req.Slots != nil {
			slots = req.Slots
		}
		delay := snap.SlotDelaySeconds
		if req.SlotDelaySeconds != nil {
			delay = *req.SlotDelaySeconds
		}
		enabled := snap.AlignedEnabled
		if req.AlignedEnabled != nil {
			enabled = *req.AlignedEnabled
		}
		h.orch.UpdateSchedule(slots, delay, enabled)
	}
	if req.CycleMode != "" || req.CycleIntervalSeconds > 0 {
		if err := h.orch.UpdateRuntimeConfig(r.Context(), req.CycleMode, req.CycleIntervalSeconds); err != nil {
			h.writeError(w, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, h.orch.GetRuntimeSnapshot())
}

func (h *handlers) forceDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceIDs []string `json:"resource_ids"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
	}
	token, dispatched, err := h.eng.ForceDispatch(r.Context(), req.ResourceIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"dispatched": dispatched,
	})
}

func (h *handlers) currentOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := h.eng.CurrentOutputs(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outputs)
}

func (h *handlers) timeline(w http.ResponseWriter, r *http.Request) {
	opts := dispatch.TimelineOptions{ResourceID: r.URL.Query().Get("resource_id")}
	if from, ok, err := parseTimeParam(r, "from"); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	} else if ok {
		opts.From = &from
	}
	if to, ok, err := parseTimeParam(r, "to"); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	} else if ok {
		opts.To = &to
	}
	entries, err := h.eng.Timeline(r.Context(), r.URL.Query().Get("run_id"), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) dispatchStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.eng.GetStatusSnapshot())
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := h.events.ListRecent(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *handlers) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.targets.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, targets)
}

func (h *handlers) upsertTarget(w http.ResponseWriter, r *http.Request) {
	var tgt model.OutputTarget
	if err := json.NewDecoder(r.Body).Decode(&tgt); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	tgt.ResourceID = mux.Vars(r)["resource_id"]
	if tgt.URL == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "url is required"})
		return
	}
	if err := h.targets.Upsert(r.Context(), &tgt); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tgt)
}

func parseTimeParam(r *http.Request, name string) (time.Time, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, errors.New(name + " must be RFC3339")
	}
	return t, true, nil
}
