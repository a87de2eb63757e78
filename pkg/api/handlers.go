package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/healthoor/pkg/checks"
	"github.com/ethpandaops/healthoor/pkg/checks/store"
	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// --- Run management ---

type createRunRequest struct {
	TriggerType    string   `json:"trigger_type,omitempty"`
	TriggerSource  string   `json:"trigger_source,omitempty"`
	TimeoutMinutes int      `json:"timeout_minutes,omitempty"`
	Workers        []string `json:"workers,omitempty"`
	Types          []string `json:"types,omitempty"`
	Categories     []string `json:"categories,omitempty"`
}

// handleCreateRun creates a run and kicks off the dispatch fan-out.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	switch req.TriggerType {
	case "", store.TriggerOnDemand, store.TriggerCron:
	default:
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unknown trigger_type"})

		return
	}

	if req.TimeoutMinutes < 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"timeout_minutes cannot be negative"})

		return
	}

	triggerSource := req.TriggerSource
	if triggerSource == "" {
		triggerSource = r.RemoteAddr
	}

	run, err := s.svc.CreateRun(r.Context(), checks.CreateRunInput{
		TriggerType:    req.TriggerType,
		TriggerSource:  triggerSource,
		TimeoutMinutes: req.TimeoutMinutes,
		WorkerNames:    req.Workers,
		WorkerTypes:    req.Types,
		Categories:     req.Categories,
	})
	if err != nil {
		if errors.Is(err, checks.ErrEmptyFleet) {
			writeJSON(w, http.StatusUnprocessableEntity,
				errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).Error("Failed to create run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

type listRunsResponse struct {
	Runs  []store.Run `json:"runs"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

// handleListRuns returns paginated run history, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page := parseIntQuery(r, "page", 1)
	limit := parseIntQuery(r, "limit", 20)

	triggerType := r.URL.Query().Get("trigger_type")

	switch triggerType {
	case "", store.TriggerOnDemand, store.TriggerCron:
	default:
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unknown trigger_type"})

		return
	}

	runs, total, err := s.svc.ListHistory(r.Context(), page, limit, triggerType)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if runs == nil {
		runs = []store.Run{}
	}

	writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:  runs,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// handleGetRun returns a run with its children ordered by worker name.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.svc.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, checks.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get run status")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCancelRun force-completes a running run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.svc.CancelRun(r.Context(), id)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, checks.ErrRunNotFound):
		writeJSON(w, http.StatusNotFound,
			errorResponse{"run not found"})
	case errors.Is(err, checks.ErrRunCompleted):
		writeJSON(w, http.StatusConflict,
			errorResponse{"run already completed"})
	default:
		s.log.WithError(err).Error("Failed to cancel run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// --- Worker queries ---

// handleListWorkers returns the configured fleet.
func (s *server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": s.registry.List(),
	})
}

// handleLatestResult returns the most recent completed check for a worker.
func (s *server) handleLatestResult(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	check, err := s.svc.GetLatestResult(r.Context(), name)
	if err != nil {
		if errors.Is(err, checks.ErrCheckNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"no completed check for worker"})

			return
		}

		s.log.WithError(err).Error("Failed to get latest result")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, check)
}

// --- Result callback ---

type resultCallbackRequest struct {
	WorkerCheckID string              `json:"worker_check_id"`
	Results       checks.WorkerResult `json:"results"`
}

// handleResultCallback ingests a single worker's outcome. Malformed
// payloads are rejected without any state change; a duplicate callback
// for a terminal check succeeds as a no-op.
func (s *server) handleResultCallback(
	w http.ResponseWriter, r *http.Request,
) {
	var req resultCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.WorkerCheckID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"worker_check_id is required"})

		return
	}

	err := s.svc.IngestResult(r.Context(), req.WorkerCheckID, req.Results)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, checks.ErrInvalidResult):
		writeJSON(w, http.StatusBadRequest,
			errorResponse{err.Error()})
	case errors.Is(err, checks.ErrCheckNotFound):
		writeJSON(w, http.StatusNotFound,
			errorResponse{"worker check not found"})
	default:
		// Persistence failure: the worker should retry; the ingest is
		// idempotent so a retry after partial success is safe.
		s.log.WithError(err).Error("Failed to ingest result")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// --- Operational ---

// handleHealth returns service liveness plus a host resource snapshot.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"fleet_size": len(s.registry.List()),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory"] = map[string]any{
			"total":        units.BytesSize(float64(vm.Total)),
			"available":    units.BytesSize(float64(vm.Available)),
			"used_percent": vm.UsedPercent,
		}
	}

	if avg, err := load.Avg(); err == nil {
		resp["load"] = map[string]float64{
			"load1":  avg.Load1,
			"load5":  avg.Load5,
			"load15": avg.Load15,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseIntQuery reads a positive integer query parameter with a default.
func parseIntQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}

	return v
}
