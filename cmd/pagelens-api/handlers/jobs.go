// Package handlers provides HTTP handlers for the PageLens API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pagelens/pagelens/internal/observability"
	"github.com/pagelens/pagelens/internal/pipeline"
	"github.com/pagelens/pagelens/internal/progress"
	"github.com/pagelens/pagelens/internal/registry"
)

// JobsHandler handles ingestion job requests.
type JobsHandler struct {
	logger      *observability.Logger
	orch        *pipeline.Orchestrator
	registry    *registry.Registry
	broadcaster *progress.Broadcaster
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(logger *observability.Logger, orch *pipeline.Orchestrator, reg *registry.Registry, bc *progress.Broadcaster) *JobsHandler {
	return &JobsHandler{
		logger:      logger,
		orch:        orch,
		registry:    reg,
		broadcaster: bc,
	}
}

// IngestRequestDTO is the API request for starting an ingestion job.
type IngestRequestDTO struct {
	Files []string `json:"files"`
}

// Ingest handles POST /api/v1/ingest.
func (h *JobsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var reqDTO IngestRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(reqDTO.Files) == 0 {
		h.writeError(w, http.StatusBadRequest, "files is required", "")
		return
	}

	job, err := h.orch.Submit(r.Context(), reqDTO.Files)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "submit failed", err.Error())
		return
	}

	h.logger.Info().
		Str("job_id", job.ID.String()).
		Int("files", len(reqDTO.Files)).
		Msg("Ingestion job accepted")

	h.writeJSON(w, http.StatusAccepted, job)
}

// GetJob handles GET /api/v1/jobs/{jobID}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid jobID", err.Error())
		return
	}

	job, err := h.registry.Get(jobID)
	if errors.Is(err, registry.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid jobID", err.Error())
		return
	}

	if err := h.orch.Cancel(jobID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "job not found", "")
			return
		}
		h.writeError(w, http.StatusConflict, "cancel rejected", err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID.String(),
		"status": "cancelling",
	})
}

// StreamProgress handles GET /api/v1/jobs/{jobID}/progress as a
// server-sent event stream. Reconnecting clients receive the latest
// retained snapshot first; the stream closes after a terminal event.
func (h *JobsHandler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid jobID", err.Error())
		return
	}

	if _, err := h.registry.Get(jobID); errors.Is(err, registry.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "job not found", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.broadcaster.Subscribe(jobID.String())
	defer h.broadcaster.Unsubscribe(sub)

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Failed to serialize progress event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

			if evt.Terminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (h *JobsHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (h *JobsHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  message,
		"detail": detail,
	})
}
