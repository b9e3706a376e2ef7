package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sceneforge/sceneforge/internal/domain"
	"github.com/sceneforge/sceneforge/internal/orchestrator"
)

type createJobRequest struct {
	Mode     string              `json:"mode"`
	Model    string              `json:"model"`
	Requests []domain.SubRequest `json:"requests"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

// JobsCreate handles POST /v1/jobs. Quota and credential classification
// happen inside the job loop before any upstream call; only request-shape
// problems are rejected here.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Model == "" {
		req.Model = "clip-fast"
	}

	jobID, err := a.Orchestrator.Create(r.Context(), orchestrator.CreateParams{
		UserID:   userID,
		Mode:     domain.JobMode(req.Mode),
		Model:    req.Model,
		Requests: req.Requests,
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnknownModel) {
			a.error(w, http.StatusBadRequest, "bad_request", "unsupported model")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	a.json(w, http.StatusAccepted, createJobResponse{JobID: jobID})
}

// JobStatus handles GET /v1/jobs/{job_id}.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Orchestrator.Status(jobID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":            job.ID,
		"user_id":       job.UserID,
		"mode":          job.Mode,
		"model":         job.Model,
		"state":         job.State,
		"attempts":      job.Attempts,
		"results":       job.Results,
		"fail_reason":   job.FailReason,
		"error_message": job.ErrorMessage,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	})
}

// JobCancel handles POST /v1/jobs/{job_id}/cancel. It returns once the
// cancel signal is accepted; the stop surfaces later as a cancelled stream
// event. Cancelling a terminal job is a clear no-op.
func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	switch err := a.Orchestrator.Cancel(jobID); {
	case err == nil:
		a.json(w, http.StatusOK, map[string]string{"status": "cancelling"})
	case errors.Is(err, domain.ErrAlreadyTerminal):
		a.error(w, http.StatusConflict, "already_terminal", "job already finished")
	case errors.Is(err, domain.ErrJobNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	default:
		a.error(w, http.StatusInternalServerError, "internal", "cancel failed")
	}
}

// JobsHistory handles GET /v1/jobs, listing the caller's recent jobs from
// the audit trail.
func (a *App) JobsHistory(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.History == nil {
		a.json(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := a.History.ListByUser(r.Context(), userID, limit)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	items := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, map[string]any{
			"id":          job.ID,
			"mode":        job.Mode,
			"model":       job.Model,
			"state":       job.State,
			"fail_reason": job.FailReason,
			"created_at":  job.CreatedAt,
			"updated_at":  job.UpdatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
