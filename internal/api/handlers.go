package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"playbookd/internal/engine"
	"playbookd/internal/storage"
)

type Handlers struct {
	engine *engine.Engine
}

func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng}
}

// HandleSubmit launches a playbook execution.
//
// POST /tasks
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.PlaybookID == "" {
		writeError(w, "playbook_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	id, err := h.engine.Submit(r.Context(), engine.SubmitRequest{
		PlaybookID:   req.PlaybookID,
		Targets:      req.Targets,
		CredentialID: req.CredentialID,
		Variables:    req.Variables,
		Timeout:      req.Timeout.Duration,
		Actor:        req.Actor.storage(),
	})
	if err != nil {
		writeEngineError(w, err, r)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: id})
}

// HandleGetTask returns the current view of one execution, live or archived.
//
// GET /tasks/{id}
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleListTasks returns every pending or running execution.
//
// GET /tasks
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.engine.List(r.Context())
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if tasks == nil {
		tasks = []storage.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// HandleTerminate requests a forced stop. Repeating the request, or
// terminating an already-finished task, returns the same acknowledgement.
//
// DELETE /tasks/{id}
func (h *Handlers) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Terminate(r.Context(), id); err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "termination_requested", "id": id})
}

// HandleListHistory returns archived executions, newest first.
//
// GET /history?playbook_id=&status=&limit=&offset=
func (h *Handlers) HandleListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.HistoryFilter{
		PlaybookID: q.Get("playbook_id"),
		Status:     q.Get("status"),
		Limit:      intParam(q.Get("limit"), 100),
		Offset:     intParam(q.Get("offset"), 0),
	}

	recs, err := h.engine.ListHistory(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if recs == nil {
		recs = []storage.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleGetHistory returns one archived execution.
//
// GET /history/{id}
func (h *Handlers) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.GetHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleDeleteHistory permanently removes an archived execution and its
// artifacts.
//
// DELETE /history/{id}
func (h *Handlers) HandleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.DeleteHistory(r.Context(), id); err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// HandleRerun derives a fresh execution from an archived one.
//
// POST /history/{id}/rerun
func (h *Handlers) HandleRerun(w http.ResponseWriter, r *http.Request) {
	var req RerunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	id, err := h.engine.Rerun(r.Context(), r.PathValue("id"), req.CredentialID, req.Actor.storage())
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: id})
}

// HandleListArtifacts returns the register captures of one execution.
//
// GET /history/{id}/artifacts
func (h *Handlers) HandleListArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := h.engine.ListArtifacts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if arts == nil {
		arts = []storage.ArtifactRecord{}
	}
	writeJSON(w, http.StatusOK, arts)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// writeEngineError maps engine errors onto HTTP statuses. Validation errors
// are the caller's fault; unknown ids are 404; the rest is internal.
func writeEngineError(w http.ResponseWriter, err error, r *http.Request) {
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		writeError(w, "task not found", "NOT_FOUND", http.StatusNotFound, r)
	case engine.IsValidation(err):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, engine.ErrShuttingDown):
		writeError(w, "server is shutting down", "UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
