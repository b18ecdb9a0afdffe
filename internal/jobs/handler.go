package jobs

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/osirix/backend/internal/ledger"
	"github.com/osirix/backend/internal/middleware"
	"github.com/osirix/backend/internal/models"
	"github.com/osirix/backend/internal/store"
)

// Handler serves /v1/jobs endpoints, including the worker callback routes.
type Handler struct {
	svc         *Service
	workerToken string
	log         *slog.Logger
}

// NewHandler returns a jobs handler. workerToken authenticates the inbound
// worker callback endpoints.
func NewHandler(svc *Service, workerToken string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, workerToken: workerToken, log: log}
}

type createJobRequest struct {
	Type            string          `json:"type"`
	InputData       json.RawMessage `json:"input_data"`
	CreditsRequired int64           `json:"credits_required"`
}

// Create handles POST /v1/jobs: reserve credits, insert the job, then hand it
// to the queue. The response does not wait for the worker.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Type == "" || req.CreditsRequired <= 0 {
		http.Error(w, `{"error":"type and credits_required are required"}`, http.StatusBadRequest)
		return
	}

	job, err := h.svc.Create(r.Context(), userID, req.Type, req.InputData, req.CreditsRequired)
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient credits",
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			})
			return
		}
		h.writeServiceError(w, "create job", err)
		return
	}

	if err := h.svc.Dispatch(r.Context(), job.ID); err != nil {
		h.log.Error("dispatch job", "job_id", job.ID, "error", err)
	} else {
		job.Status = models.JobStatusQueued
	}

	writeJSON(w, http.StatusCreated, job)
}

// Get handles GET /v1/jobs/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.Get(r.Context(), jobID, userID)
	if err != nil {
		h.writeServiceError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// List handles GET /v1/jobs.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	jobs, err := h.svc.List(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// Cancel handles POST /v1/jobs/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Cancel(r.Context(), jobID, userID); err != nil {
		h.writeServiceError(w, "cancel job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retry handles POST /v1/jobs/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Retry(r.Context(), jobID, userID); err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient credits",
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			})
			return
		}
		h.writeServiceError(w, "retry job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Worker callback endpoints ---
//
// The in-process river worker calls the service directly; these routes exist
// for out-of-process generation backends and are authenticated with a shared
// worker token. Delivery may be duplicated or reordered, so they go through
// the same idempotent lifecycle operations.

type progressCallback struct {
	Percent int `json:"percent"`
}

// Progress handles POST /v1/jobs/{id}/progress.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.authorizeWorker(w, r)
	if !ok {
		return
	}
	var req progressCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.ReportProgress(r.Context(), jobID, req.Percent); err != nil {
		if errors.Is(err, ErrInvalidProgress) {
			http.Error(w, `{"error":"percent must be between 0 and 100"}`, http.StatusBadRequest)
			return
		}
		h.writeServiceError(w, "report progress", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resultCallback struct {
	OutputData  json.RawMessage `json:"output_data"`
	CreditsUsed int64           `json:"credits_used"`
}

// Result handles POST /v1/jobs/{id}/result.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.authorizeWorker(w, r)
	if !ok {
		return
	}
	var req resultCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Complete(r.Context(), jobID, req.OutputData, req.CreditsUsed); err != nil {
		h.writeServiceError(w, "complete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failCallback struct {
	Error string `json:"error"`
}

// Fail handles POST /v1/jobs/{id}/fail.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.authorizeWorker(w, r)
	if !ok {
		return
	}
	var req failCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Fail(r.Context(), jobID, req.Error); err != nil {
		h.writeServiceError(w, "fail job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorizeWorker(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	token := r.Header.Get("X-Worker-Token")
	if h.workerToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.workerToken)) != 1 {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, false
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return jobID, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		http.Error(w, `{"error":"temporary conflict, please retry"}`, http.StatusServiceUnavailable)
	default:
		h.log.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
