package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/checksum"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
	"github.com/contentcreative/AutoCut-Pro-sub000/internal/services"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var (
	exportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "export_job_duration_seconds",
		Help:    "Duration of export job processing in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	exportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_jobs_processed_total",
		Help: "Total number of export jobs processed",
	}, []string{"status"})

	runningJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "export_jobs_running",
		Help: "Number of export jobs currently being processed",
	})
)

// JobStore is the relational side of the worker: claim, progress, completion,
// asset bookkeeping and brand-kit lookup.
type JobStore interface {
	ClaimNextJob(ctx context.Context, workerID string) (*models.ExportJob, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, percent int, status models.JobStatus) (bool, error)
	MarkReady(ctx context.Context, id uuid.UUID, zipPath string, zipSizeBytes int64) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)
	CreateExportAsset(ctx context.Context, asset *models.ExportAsset) error
	GetBrandKit(ctx context.Context, id uuid.UUID) (*models.BrandKit, error)
}

// BlobStore moves bytes between object storage and scratch disk.
type BlobStore interface {
	Download(ctx context.Context, bucket, path string) ([]byte, error)
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error
}

// Renderer produces renditions and thumbnails on local disk.
type Renderer interface {
	TranscodeRendition(ctx context.Context, sourcePath, outputPath string, format models.Format, overlay models.Overlay) error
	ExtractThumbnail(ctx context.Context, videoPath, outputPath, timecode string, overlay models.Overlay) error
}

// StatusCache mirrors job state for the API's hot polling path. Writes are
// best effort; the jobs table stays the source of truth.
type StatusCache interface {
	Set(ctx context.Context, jobID uuid.UUID, status models.JobStatus, progress int, errMsg *string) error
	Delete(ctx context.Context, jobID uuid.UUID) error
}

type Config struct {
	WorkerID      string
	ExportsBucket string
	ScratchDir    string
	MaxConcurrent int
	PollInterval  time.Duration
	JobTimeout    time.Duration // 0 = no per-job timeout
}

type Worker struct {
	store    JobStore
	blobs    BlobStore
	renderer Renderer
	cache    StatusCache // optional, nil = disabled
	cfg      Config

	sem     *semaphore.Weighted
	running atomic.Int64
}

func New(store JobStore, blobs BlobStore, renderer Renderer, cache StatusCache, cfg Config) *Worker {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	return &Worker{
		store:    store,
		blobs:    blobs,
		renderer: renderer,
		cache:    cache,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Running reports the number of jobs currently being processed.
func (w *Worker) Running() int {
	return int(w.running.Load())
}

// Capacity reports the configured concurrency cap.
func (w *Worker) Capacity() int {
	return w.cfg.MaxConcurrent
}

// Drain blocks until every in-flight job has finished, or ctx expires. Call it
// after cancelling Start's context so no new claims race the drain.
func (w *Worker) Drain(ctx context.Context) error {
	// Holding every slot means nothing is running.
	if err := w.sem.Acquire(ctx, int64(w.cfg.MaxConcurrent)); err != nil {
		return err
	}
	w.sem.Release(int64(w.cfg.MaxConcurrent))
	return nil
}

// Start runs the poll loop until ctx is cancelled. Each tick attempts at most
// one claim, and claimed jobs run on their own goroutine so the loop is never
// blocked by an in-flight job.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("Export worker %s started (max_concurrent=%d, poll=%s)",
		w.cfg.WorkerID, w.cfg.MaxConcurrent, w.cfg.PollInterval)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Export worker shutting down...")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if !w.sem.TryAcquire(1) {
		return // all slots busy
	}

	job, err := w.store.ClaimNextJob(ctx, w.cfg.WorkerID)
	if err != nil {
		// Transient: no job state was touched, the next tick retries.
		log.Printf("Error claiming job: %v", err)
		w.sem.Release(1)
		return
	}
	if job == nil {
		w.sem.Release(1)
		return
	}

	log.Printf("Claimed export job %s (user %s, %d formats)", job.ID, job.UserID, len(job.Formats))

	w.running.Add(1)
	runningJobs.Inc()

	go func() {
		defer func() {
			w.running.Add(-1)
			runningJobs.Dec()
			w.sem.Release(1)
		}()
		// A claimed job outlives the poll loop's context: shutdown stops
		// claiming and drains in-flight work instead of killing it mid-render,
		// which would persist the job as failed and burn retry budget.
		w.processJob(context.WithoutCancel(ctx), job)
	}()
}

// processJob drives one claimed job to a terminal state. Failures are fully
// isolated here: nothing propagates to the poll loop or to other jobs.
func (w *Worker) processJob(ctx context.Context, job *models.ExportJob) {
	start := time.Now()
	outcome := "ready"

	defer func() {
		exportDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		exportsTotal.WithLabelValues(outcome).Inc()
	}()

	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	run := &jobRun{
		w:       w,
		job:     job,
		scratch: filepath.Join(w.cfg.ScratchDir, job.ID.String()),
	}

	// The one mandatory cleanup guarantee: the scratch tree goes away on every
	// exit path, success or failure.
	defer func() {
		if err := os.RemoveAll(run.scratch); err != nil {
			log.Printf("Job %s: failed to remove scratch dir %s: %v", job.ID, run.scratch, err)
		}
	}()

	if err := run.execute(ctx); err != nil {
		outcome = "failed"
		log.Printf("Job %s failed: %v", job.ID, err)

		// The job context may already be dead (timeout); the failure write
		// gets its own deadline so it still lands.
		finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		applied, dbErr := w.store.MarkFailed(finalCtx, job.ID, err.Error())
		if dbErr != nil {
			log.Printf("Job %s: failed to record failure: %v", job.ID, dbErr)
			return
		}
		if !applied {
			log.Printf("Job %s: failure write skipped, job already terminal", job.ID)
			w.cacheDelete(job.ID)
			return
		}
		msg := err.Error()
		w.cacheStatus(job.ID, models.JobStatusFailed, run.percent(), &msg)
		return
	}

	if run.canceled {
		outcome = "canceled"
		return
	}

	log.Printf("Job %s completed in %s", job.ID, time.Since(start).Round(time.Millisecond))
}

// cacheStatus mirrors the job row into the optional Redis status cache.
// Best effort only — the jobs table stays the source of truth.
func (w *Worker) cacheStatus(jobID uuid.UUID, status models.JobStatus, progress int, errMsg *string) {
	if w.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.cache.Set(ctx, jobID, status, progress, errMsg); err != nil {
		log.Printf("Job %s: status cache write failed: %v", jobID, err)
	}
}

// cacheDelete drops the cached entry so pollers fall back to the jobs table.
// Used when a guarded write finds the row already terminal: the cache would
// otherwise keep serving the last in-flight snapshot until the TTL.
func (w *Worker) cacheDelete(jobID uuid.UUID) {
	if w.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.cache.Delete(ctx, jobID); err != nil {
		log.Printf("Job %s: status cache delete failed: %v", jobID, err)
	}
}

// jobRun holds the per-job scratch state while a claimed job executes.
type jobRun struct {
	w       *Worker
	job     *models.ExportJob
	scratch string

	tracker  *progressTracker
	pending  []*models.ExportAsset
	canceled bool
}

func (r *jobRun) percent() int {
	if r.tracker == nil {
		return 0
	}
	return r.tracker.Percent()
}

// execute transforms the source into the bundled zip and finalizes the job.
// Any returned error is fatal to the job.
func (r *jobRun) execute(ctx context.Context) error {
	job := r.job
	bundle := filepath.Join(r.scratch, "bundle")

	if err := os.MkdirAll(bundle, 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}

	if err := job.Formats.Validate(); err != nil {
		return fmt.Errorf("invalid format request: %w", err)
	}

	// Resolve brand overlays before any heavy work.
	var videoOverlay, thumbOverlay models.Overlay
	if job.BrandKitID != nil {
		kit, err := r.w.store.GetBrandKit(ctx, *job.BrandKitID)
		if err != nil {
			return fmt.Errorf("brand kit lookup failed: %w", err)
		}
		videoOverlay = kit.VideoOverlay
		thumbOverlay = kit.ThumbnailOverlay
	}

	// Download the source video to scratch (outside the bundle dir so it never
	// ends up in the zip).
	sourceBytes, err := r.w.blobs.Download(ctx, job.SourceBucket, job.SourcePath)
	if err != nil {
		return err
	}
	sourcePath := filepath.Join(r.scratch, "source"+filepath.Ext(job.SourcePath))
	if err := os.WriteFile(sourcePath, sourceBytes, 0644); err != nil {
		return fmt.Errorf("failed to write source file: %w", err)
	}

	// Work units: one metadata batch, one per rendition, one per thumbnail.
	unitsPerFormat := 1
	if job.Options.GenerateThumbnails {
		unitsPerFormat = 2
	}
	r.tracker = newProgressTracker(1 + len(job.Formats)*unitsPerFormat)

	// Metadata batch.
	metaPaths, err := services.WriteMetadataFiles(filepath.Join(bundle, "metadata"), job.Options.Metadata)
	if err != nil {
		return err
	}
	for _, path := range metaPaths {
		if err := r.trackAsset(models.AssetKindMetadata, filepath.Base(path), path); err != nil {
			return err
		}
	}
	r.completeUnit(ctx, "")

	// Renditions and thumbnails, strictly in request order.
	for _, format := range job.Formats {
		ratioDir := filepath.Join(bundle, format.DirName())
		if err := os.MkdirAll(ratioDir, 0755); err != nil {
			return fmt.Errorf("failed to create rendition dir: %w", err)
		}

		videoPath := filepath.Join(ratioDir, "video.mp4")
		if err := r.w.renderer.TranscodeRendition(ctx, sourcePath, videoPath, format, videoOverlay); err != nil {
			return err
		}
		variant := fmt.Sprintf("%s-%s", format.Ratio, format.Resolution)
		if err := r.trackAsset(models.AssetKindVideo, variant, videoPath); err != nil {
			return err
		}
		r.completeUnit(ctx, "")

		if job.Options.GenerateThumbnails {
			thumbDir := filepath.Join(bundle, "thumbnails")
			if err := os.MkdirAll(thumbDir, 0755); err != nil {
				return fmt.Errorf("failed to create thumbnails dir: %w", err)
			}

			thumbPath := filepath.Join(thumbDir, "thumb_"+format.DirName()+".png")
			timecode := job.Options.EffectiveThumbnailTimecode()
			if err := r.w.renderer.ExtractThumbnail(ctx, videoPath, thumbPath, timecode, thumbOverlay); err != nil {
				return err
			}
			if err := r.trackAsset(models.AssetKindThumbnail, format.Ratio+"-thumb", thumbPath); err != nil {
				return err
			}
			r.completeUnit(ctx, "")
		}
	}

	// Package. The archive is fully written and closed before upload starts.
	r.reportProgress(ctx, models.JobStatusPackaging)

	zipPath := filepath.Join(r.scratch, "export.zip")
	zipSize, err := services.BuildArchive(bundle, zipPath)
	if err != nil {
		return err
	}

	zipBytes, err := os.ReadFile(zipPath)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	zipKey := exportZipKey(job.UserID, job.ID)
	if err := r.w.blobs.Upload(ctx, r.w.cfg.ExportsBucket, zipKey, zipBytes, "application/zip"); err != nil {
		return err
	}
	r.reportProgress(ctx, models.JobStatusUploaded)

	// The archive itself gets an asset record too, checksummed so a consumer
	// can verify the download end to end.
	r.pending = append(r.pending, &models.ExportAsset{
		ID:          uuid.New(),
		JobID:       job.ID,
		Kind:        models.AssetKindArchive,
		Variant:     "export.zip",
		StoragePath: zipKey,
		SizeBytes:   zipSize,
		ChecksumHex: checksum.Bytes(zipBytes),
	})

	// Asset records are written only after the zip is safely uploaded, so a
	// failed job never leaks partial asset rows.
	for _, asset := range r.pending {
		if err := r.w.store.CreateExportAsset(ctx, asset); err != nil {
			return fmt.Errorf("failed to record asset %s: %w", asset.Variant, err)
		}
	}

	applied, err := r.w.store.MarkReady(ctx, job.ID, zipKey, zipSize)
	if err != nil {
		return fmt.Errorf("failed to mark job ready: %w", err)
	}
	if !applied {
		// Canceled mid-flight; the guarded update kept the terminal status.
		log.Printf("Job %s: completion write skipped, job already terminal", job.ID)
		r.canceled = true
		r.w.cacheDelete(job.ID)
		return nil
	}

	r.w.cacheStatus(job.ID, models.JobStatusReady, 100, nil)
	return nil
}

// trackAsset stages an asset record (size + checksum) for insertion after the
// zip upload succeeds. All bundled files use the embedded-in-zip sentinel.
func (r *jobRun) trackAsset(kind models.AssetKind, variant, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	sum, err := checksum.File(path)
	if err != nil {
		return err
	}

	r.pending = append(r.pending, &models.ExportAsset{
		ID:          uuid.New(),
		JobID:       r.job.ID,
		Kind:        kind,
		Variant:     variant,
		StoragePath: models.StoragePathEmbedded,
		SizeBytes:   info.Size(),
		ChecksumHex: sum,
	})
	return nil
}

// completeUnit marks one unit of work done and publishes the new percent.
func (r *jobRun) completeUnit(ctx context.Context, status models.JobStatus) {
	r.tracker.Complete()
	r.reportProgress(ctx, status)
}

// reportProgress writes progress (and an optional mid-flight status) to the
// job row and the status cache. Update failures are logged, not fatal. When
// the guarded write does not apply the job went terminal externally, and the
// cached entry is dropped instead of overwritten with in-flight state.
func (r *jobRun) reportProgress(ctx context.Context, status models.JobStatus) {
	percent := r.tracker.Percent()
	applied, err := r.w.store.UpdateProgress(ctx, r.job.ID, percent, status)
	if err != nil {
		log.Printf("Job %s: progress update failed: %v", r.job.ID, err)
		return
	}
	if !applied {
		r.w.cacheDelete(r.job.ID)
		return
	}

	cached := status
	if cached == "" {
		cached = models.JobStatusProcessing
	}
	r.w.cacheStatus(r.job.ID, cached, percent, nil)
}

func exportZipKey(userID string, jobID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/export.zip", userID, jobID.String())
}
