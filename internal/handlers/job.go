package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mongoferry/mongoferry/internal/guard"
	"github.com/mongoferry/mongoferry/internal/models"
	"github.com/mongoferry/mongoferry/internal/orchestrator"
	"github.com/mongoferry/mongoferry/internal/repository"
)

// JobService is the orchestrator surface the job endpoints consume.
type JobService interface {
	Start(req orchestrator.StartRequest) (*models.MigrationJob, error)
	Cancel(jobID string) error
	Get(jobID string) (*models.MigrationJob, error)
	List() []*models.MigrationJob
	Preflight(ctx context.Context, sourceID, targetID string) (*orchestrator.PreflightReport, error)
}

type JobHandler struct {
	svc    JobService
	logger zerolog.Logger
}

func NewJobHandler(svc JobService, logger zerolog.Logger) *JobHandler {
	return &JobHandler{svc: svc, logger: logger}
}

// Start launches a migration. The confirmation gesture travels in the body;
// a rejected confirmation maps to 422 and a busy orchestrator to 409, so the
// UI can tell "retype the name" from "wait your turn".
func (h *JobHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.SourceID == "" || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "source_id and target_id are required")
		return
	}

	jb, err := h.svc.Start(req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "connection profile not found")
		case errors.Is(err, guard.ErrConfirmationMismatch):
			writeError(w, http.StatusUnprocessableEntity, guard.ErrConfirmationMismatch.Error())
		case errors.Is(err, guard.ErrJobInProgress):
			writeError(w, http.StatusConflict, guard.ErrJobInProgress.Error())
		default:
			h.logger.Error().Err(err).Msg("Failed to start migration")
			writeError(w, http.StatusInternalServerError, "failed to start migration")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, jb)
}

// Cancel requests cancellation; the job settles asynchronously.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	if err := h.svc.Cancel(jobID); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, orchestrator.ErrJobNotActive):
			writeError(w, http.StatusConflict, "job already finished")
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel migration")
			writeError(w, http.StatusInternalServerError, "failed to cancel migration")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	jb, err := h.svc.Get(jobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get migration")
		writeError(w, http.StatusInternalServerError, "failed to get migration")
		return
	}
	writeJSON(w, http.StatusOK, jb)
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.List())
}

// Preflight runs the pre-confirmation checks for a source/target pair.
func (h *JobHandler) Preflight(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"source_id"`
		TargetID string `json:"target_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.SourceID == "" || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "source_id and target_id are required")
		return
	}

	report, err := h.svc.Preflight(r.Context(), req.SourceID, req.TargetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection profile not found")
			return
		}
		h.logger.Error().Err(err).Msg("Preflight failed")
		writeError(w, http.StatusInternalServerError, "preflight failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
