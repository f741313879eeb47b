package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/statuscache"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Store is the relational surface the handlers need. *db.DB satisfies it.
type Store interface {
	CreateExportJob(ctx context.Context, job *models.ExportJob) error
	GetExportJob(ctx context.Context, id uuid.UUID) (*models.ExportJob, error)
	GetJobAssets(ctx context.Context, jobID uuid.UUID) ([]models.ExportAsset, error)
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)
}

// Signer issues time-limited download URLs for finished exports.
type Signer interface {
	GetSignedURL(ctx context.Context, bucket, path string, expiresIn int) (string, error)
}

// StatusCache is the read/invalidate side of the optional Redis status mirror.
type StatusCache interface {
	Get(ctx context.Context, jobID uuid.UUID) (*statuscache.Entry, error)
	Delete(ctx context.Context, jobID uuid.UUID) error
}

// Runner exposes the worker's slot usage to the health endpoint.
type Runner interface {
	Running() int
	Capacity() int
}

// HandlerConfig carries the storage defaults the API needs.
type HandlerConfig struct {
	SourceBucket        string
	ExportsBucket       string
	SignedURLTTLSeconds int
}

type Handler struct {
	store  Store
	signer Signer
	cache  StatusCache // optional, nil = disabled
	runner Runner      // optional, nil when the worker is disabled
	cfg    HandlerConfig
}

func NewHandler(store Store, signer Signer, cache StatusCache, runner Runner, cfg HandlerConfig) *Handler {
	return &Handler{
		store:  store,
		signer: signer,
		cache:  cache,
		runner: runner,
		cfg:    cfg,
	}
}

// CreateExport handles POST /v1/exports
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	var req models.CreateExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.SourcePath == "" {
		respondError(w, http.StatusBadRequest, "source_path is required")
		return
	}
	if err := req.Formats.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sourceBucket := req.SourceBucket
	if sourceBucket == "" {
		sourceBucket = h.cfg.SourceBucket
	}

	job := &models.ExportJob{
		ID:           uuid.New(),
		UserID:       req.UserID,
		SourceBucket: sourceBucket,
		SourcePath:   req.SourcePath,
		Formats:      req.Formats,
		Options:      req.Options,
		BrandKitID:   req.BrandKitID,
		Status:       models.JobStatusQueued,
		Progress:     0,
	}

	if err := h.store.CreateExportJob(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create export job")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateExportResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// GetExportStatus handles GET /v1/exports/{id}
func (h *Handler) GetExportStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	// Hot path: the worker mirrors progress into Redis, sparing the jobs table
	// from polling traffic. The table stays the source of truth on a miss.
	if h.cache != nil {
		if entry, err := h.cache.Get(r.Context(), id); err == nil && entry != nil {
			respondJSON(w, http.StatusOK, models.ExportStatusResponse{
				JobID:    id,
				Status:   entry.Status,
				Progress: entry.Progress,
				Error:    entry.Error,
			})
			return
		}
	}

	job, err := h.store.GetExportJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Export job not found")
		return
	}

	respondJSON(w, http.StatusOK, models.ExportStatusResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.ErrorMessage,
	})
}

// GetExportAssets handles GET /v1/exports/{id}/assets
func (h *Handler) GetExportAssets(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	if _, err := h.store.GetExportJob(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "Export job not found")
		return
	}

	assets, err := h.store.GetJobAssets(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list assets")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": id,
		"assets": assets,
	})
}

// GetExportDownload handles GET /v1/exports/{id}/download
func (h *Handler) GetExportDownload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.store.GetExportJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Export job not found")
		return
	}

	if job.Status != models.JobStatusReady || job.ZipPath == nil {
		respondError(w, http.StatusConflict, "Export is not ready for download")
		return
	}

	url, err := h.signer.GetSignedURL(r.Context(), h.cfg.ExportsBucket, *job.ZipPath, h.cfg.SignedURLTTLSeconds)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to sign download URL")
		return
	}

	var size int64
	if job.ZipSizeBytes != nil {
		size = *job.ZipSizeBytes
	}

	respondJSON(w, http.StatusOK, models.ExportDownloadResponse{
		DownloadURL:  url,
		ZipSizeBytes: size,
		ExpiresIn:    h.cfg.SignedURLTTLSeconds,
	})
}

// CancelExport handles POST /v1/exports/{id}/cancel
func (h *Handler) CancelExport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	applied, err := h.store.CancelJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to cancel export")
		return
	}
	if !applied {
		respondError(w, http.StatusConflict, "Export is already in a terminal state")
		return
	}

	// The worker's mirror writes are guarded off once the row is terminal, so
	// the cached entry must be dropped here or pollers would keep seeing the
	// last processing snapshot until the TTL.
	if h.cache != nil {
		if err := h.cache.Delete(r.Context(), id); err != nil {
			log.Printf("[API] Failed to invalidate status cache for job %s: %v", id, err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": string(models.JobStatusCanceled)})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	running, capacity := 0, 0
	if h.runner != nil {
		running = h.runner.Running()
		capacity = h.runner.Capacity()
	}

	respondJSON(w, http.StatusOK, models.HealthResponse{
		OK:                    true,
		CurrentlyRunningCount: running,
		MaxConcurrent:         capacity,
		Timestamp:             time.Now().UTC(),
	})
}

// Helpers

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
