package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
)

type mockJobStore struct {
	mock.Mock
}

func (m *mockJobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.ExportJob, error) {
	args := m.Called(ctx, workerID)
	job, _ := args.Get(0).(*models.ExportJob)
	return job, args.Error(1)
}

func (m *mockJobStore) UpdateProgress(ctx context.Context, id uuid.UUID, percent int, status models.JobStatus) (bool, error) {
	args := m.Called(ctx, id, percent, status)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobStore) MarkReady(ctx context.Context, id uuid.UUID, zipPath string, zipSizeBytes int64) (bool, error) {
	args := m.Called(ctx, id, zipPath, zipSizeBytes)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	args := m.Called(ctx, id, errorMessage)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobStore) CreateExportAsset(ctx context.Context, asset *models.ExportAsset) error {
	args := m.Called(ctx, asset)
	return args.Error(0)
}

func (m *mockJobStore) GetBrandKit(ctx context.Context, id uuid.UUID) (*models.BrandKit, error) {
	args := m.Called(ctx, id)
	kit, _ := args.Get(0).(*models.BrandKit)
	return kit, args.Error(1)
}

type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	args := m.Called(ctx, bucket, path)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockBlobStore) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	args := m.Called(ctx, bucket, path, data, contentType)
	return args.Error(0)
}

// fakeRenderer writes real files to disk so asset staging (stat + checksum)
// and archiving run against actual bytes. failTranscode makes every rendition
// fail, exercising the failure path without ffmpeg.
type fakeRenderer struct {
	failTranscode bool
	overlays      []models.Overlay
}

func (f *fakeRenderer) TranscodeRendition(ctx context.Context, sourcePath, outputPath string, format models.Format, overlay models.Overlay) error {
	if f.failTranscode {
		return errors.New("simulated ffmpeg failure")
	}
	f.overlays = append(f.overlays, overlay)
	return os.WriteFile(outputPath, []byte("rendition:"+format.Ratio), 0644)
}

func (f *fakeRenderer) ExtractThumbnail(ctx context.Context, videoPath, outputPath, timecode string, overlay models.Overlay) error {
	return os.WriteFile(outputPath, []byte("thumb:"+timecode), 0644)
}

type cacheWrite struct {
	status   models.JobStatus
	progress int
}

// fakeStatusCache records mirror writes and invalidations.
type fakeStatusCache struct {
	mu      sync.Mutex
	sets    []cacheWrite
	deletes []uuid.UUID
}

func (c *fakeStatusCache) Set(ctx context.Context, jobID uuid.UUID, status models.JobStatus, progress int, errMsg *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, cacheWrite{status: status, progress: progress})
	return nil
}

func (c *fakeStatusCache) Delete(ctx context.Context, jobID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, jobID)
	return nil
}

func (c *fakeStatusCache) snapshot() ([]cacheWrite, []uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cacheWrite(nil), c.sets...), append([]uuid.UUID(nil), c.deletes...)
}

func testJob() *models.ExportJob {
	return &models.ExportJob{
		ID:           uuid.New(),
		UserID:       "user-1",
		SourceBucket: "source-videos",
		SourcePath:   "user-1/clip.mp4",
		Formats: models.FormatList{
			{Ratio: "9:16", Resolution: "1080x1920"},
			{Ratio: "16:9", Resolution: "1920x1080"},
		},
		Options: models.ExportOptions{
			GenerateThumbnails: true,
			Metadata: models.MetadataOverrides{
				Title:    "Summer Recap",
				Hashtags: []string{"summer", "#recap"},
			},
		},
		Status: models.JobStatusProcessing,
	}
}

func newTestWorker(t *testing.T, store JobStore, blobs BlobStore, renderer Renderer, cache StatusCache) (*Worker, string) {
	t.Helper()
	scratch := t.TempDir()
	w := New(store, blobs, renderer, cache, Config{
		WorkerID:      "test-worker",
		ExportsBucket: "exports",
		ScratchDir:    scratch,
		MaxConcurrent: 2,
		PollInterval:  time.Second,
	})
	return w, scratch
}

func TestProcessJobSuccess(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	renderer := &fakeRenderer{}
	cache := &fakeStatusCache{}
	w, scratch := newTestWorker(t, store, blobs, renderer, cache)

	job := testJob()
	wantKey := fmt.Sprintf("%s/%s/export.zip", job.UserID, job.ID)

	blobs.On("Download", mock.Anything, "source-videos", "user-1/clip.mp4").
		Return([]byte("source-bytes"), nil)
	store.On("UpdateProgress", mock.Anything, job.ID, mock.Anything, mock.Anything).
		Return(true, nil)
	store.On("CreateExportAsset", mock.Anything, mock.Anything).Return(nil)

	var uploaded []byte
	blobs.On("Upload", mock.Anything, "exports", wantKey, mock.Anything, "application/zip").
		Run(func(args mock.Arguments) {
			uploaded = args.Get(3).([]byte)
		}).
		Return(nil)
	store.On("MarkReady", mock.Anything, job.ID, wantKey, mock.AnythingOfType("int64")).
		Return(true, nil)

	w.processJob(context.Background(), job)

	store.AssertExpectations(t)
	blobs.AssertExpectations(t)

	// 3 metadata files + 2 renditions + 2 thumbnails + the archive itself.
	store.AssertNumberOfCalls(t, "CreateExportAsset", 8)
	store.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	// No brand kit on the job, so no lookup.
	store.AssertNotCalled(t, "GetBrandKit", mock.Anything, mock.Anything)

	// The uploaded zip must follow the bundle layout exactly.
	reader, err := zip.NewReader(bytes.NewReader(uploaded), int64(len(uploaded)))
	require.NoError(t, err)
	var names []string
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"16x9/video.mp4",
		"9x16/video.mp4",
		"metadata/description.txt",
		"metadata/hashtags.txt",
		"metadata/title.txt",
		"thumbnails/thumb_16x9.png",
		"thumbnails/thumb_9x16.png",
	}, names)

	// The finished job is mirrored into the cache as ready/100.
	sets, deletes := cache.snapshot()
	require.NotEmpty(t, sets)
	assert.Equal(t, cacheWrite{status: models.JobStatusReady, progress: 100}, sets[len(sets)-1])
	assert.Empty(t, deletes)

	assertScratchEmpty(t, scratch, job.ID)
}

func TestProcessJobAssetRecords(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	w, _ := newTestWorker(t, store, blobs, &fakeRenderer{}, nil)

	job := testJob()
	job.Options.GenerateThumbnails = false
	job.Formats = job.Formats[:1]
	wantKey := fmt.Sprintf("%s/%s/export.zip", job.UserID, job.ID)

	blobs.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte("source-bytes"), nil)
	blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil)
	store.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)
	store.On("MarkReady", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)

	var assets []*models.ExportAsset
	store.On("CreateExportAsset", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			assets = append(assets, args.Get(1).(*models.ExportAsset))
		}).
		Return(nil)

	w.processJob(context.Background(), job)

	require.Len(t, assets, 5) // title, description, hashtags, one rendition, the zip

	kinds := map[models.AssetKind]int{}
	for _, a := range assets {
		kinds[a.Kind]++
		assert.Equal(t, job.ID, a.JobID)
		assert.NotEmpty(t, a.ChecksumHex, "asset %s missing checksum", a.Variant)
		assert.Greater(t, a.SizeBytes, int64(-1))

		if a.Kind == models.AssetKindArchive {
			assert.Equal(t, wantKey, a.StoragePath)
			assert.Equal(t, "export.zip", a.Variant)
		} else {
			assert.Equal(t, models.StoragePathEmbedded, a.StoragePath)
		}
	}
	assert.Equal(t, 3, kinds[models.AssetKindMetadata])
	assert.Equal(t, 1, kinds[models.AssetKindVideo])
	assert.Equal(t, 1, kinds[models.AssetKindArchive])

	var variants []string
	for _, a := range assets {
		variants = append(variants, a.Variant)
	}
	assert.Contains(t, variants, "9:16-1080x1920")
	assert.Contains(t, variants, "title.txt")
}

func TestProcessJobBrandKitOverlay(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	renderer := &fakeRenderer{}
	w, _ := newTestWorker(t, store, blobs, renderer, nil)

	job := testJob()
	job.Options.GenerateThumbnails = false
	kitID := uuid.New()
	job.BrandKitID = &kitID

	kit := &models.BrandKit{
		ID:           kitID,
		Name:         "acme",
		VideoOverlay: models.Overlay{Expr: "drawtext=text='ACME'"},
	}

	store.On("GetBrandKit", mock.Anything, kitID).Return(kit, nil)
	blobs.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte("source-bytes"), nil)
	blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil)
	store.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)
	store.On("CreateExportAsset", mock.Anything, mock.Anything).Return(nil)
	store.On("MarkReady", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)

	w.processJob(context.Background(), job)

	store.AssertExpectations(t)
	require.Len(t, renderer.overlays, 2)
	for _, o := range renderer.overlays {
		assert.Equal(t, "drawtext=text='ACME'", o.Expr)
	}
}

func TestProcessJobTranscodeFailure(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	w, scratch := newTestWorker(t, store, blobs, &fakeRenderer{failTranscode: true}, nil)

	job := testJob()

	blobs.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte("source-bytes"), nil)
	store.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)
	store.On("MarkFailed", mock.Anything, job.ID, "simulated ffmpeg failure").
		Return(true, nil)

	w.processJob(context.Background(), job)

	store.AssertExpectations(t)

	// A failed job leaves no uploads and no asset rows behind.
	blobs.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "CreateExportAsset", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "MarkReady", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	assertScratchEmpty(t, scratch, job.ID)
}

func TestProcessJobDownloadFailure(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	w, _ := newTestWorker(t, store, blobs, &fakeRenderer{}, nil)

	job := testJob()

	blobs.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("object not found"))
	store.On("MarkFailed", mock.Anything, job.ID, mock.Anything).
		Return(true, nil)

	w.processJob(context.Background(), job)

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "MarkReady", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessJobInvalidFormats(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	w, _ := newTestWorker(t, store, blobs, &fakeRenderer{}, nil)

	job := testJob()
	job.Formats = models.FormatList{{Ratio: "9:16", Resolution: "not-a-size"}}

	store.On("MarkFailed", mock.Anything, job.ID, mock.Anything).
		Return(true, nil)

	w.processJob(context.Background(), job)

	store.AssertExpectations(t)
	// Validation fails before any bytes move.
	blobs.AssertNotCalled(t, "Download", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessJobCanceledBeforeCompletion(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	cache := &fakeStatusCache{}
	w, scratch := newTestWorker(t, store, blobs, &fakeRenderer{}, cache)

	job := testJob()
	job.Options.GenerateThumbnails = false

	blobs.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte("source-bytes"), nil)
	blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil)
	store.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)
	store.On("CreateExportAsset", mock.Anything, mock.Anything).Return(nil)
	// Guarded write: the job went canceled while we worked.
	store.On("MarkReady", mock.Anything, job.ID, mock.Anything, mock.Anything).
		Return(false, nil)

	w.processJob(context.Background(), job)

	store.AssertExpectations(t)
	// Cancellation after the fact is not a failure.
	store.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)

	// The cached in-flight snapshot must be dropped, never marked ready, so
	// pollers fall through to the canceled row in Postgres.
	sets, deletes := cache.snapshot()
	assert.Contains(t, deletes, job.ID)
	for _, s := range sets {
		assert.NotEqual(t, models.JobStatusReady, s.status)
	}

	assertScratchEmpty(t, scratch, job.ID)
}

func TestProcessJobCanceledDuringProgress(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	cache := &fakeStatusCache{}
	w, _ := newTestWorker(t, store, blobs, &fakeRenderer{}, cache)

	job := testJob()
	job.Options.GenerateThumbnails = false

	blobs.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte("source-bytes"), nil)
	blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil)
	// Every guarded progress write reports the row already terminal.
	store.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)
	store.On("CreateExportAsset", mock.Anything, mock.Anything).Return(nil)
	store.On("MarkReady", mock.Anything, job.ID, mock.Anything, mock.Anything).
		Return(false, nil)

	w.processJob(context.Background(), job)

	// Not a single in-flight snapshot may land in the cache; every skipped
	// write invalidates instead.
	sets, deletes := cache.snapshot()
	assert.Empty(t, sets)
	assert.NotEmpty(t, deletes)
}

func TestTickNoJobReleasesSlot(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	w, _ := newTestWorker(t, store, blobs, &fakeRenderer{}, nil)

	store.On("ClaimNextJob", mock.Anything, "test-worker").Return(nil, nil)

	for i := 0; i < 5; i++ {
		w.tick(context.Background())
	}

	store.AssertNumberOfCalls(t, "ClaimNextJob", 5)
	assert.Equal(t, 0, w.Running())
}

// blockingRenderer parks inside the transcode until released, simulating a
// long-running ffmpeg invocation.
type blockingRenderer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRenderer) TranscodeRendition(ctx context.Context, sourcePath, outputPath string, format models.Format, overlay models.Overlay) error {
	close(b.started)
	<-b.release
	return os.WriteFile(outputPath, []byte("rendition:"+format.Ratio), 0644)
}

func (b *blockingRenderer) ExtractThumbnail(ctx context.Context, videoPath, outputPath, timecode string, overlay models.Overlay) error {
	return os.WriteFile(outputPath, []byte("thumb"), 0644)
}

func TestShutdownDrainsInFlightJob(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	renderer := &blockingRenderer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	w, _ := newTestWorker(t, store, blobs, renderer, nil)

	job := testJob()
	job.Options.GenerateThumbnails = false
	job.Formats = job.Formats[:1]

	store.On("ClaimNextJob", mock.Anything, "test-worker").Return(job, nil).Once()
	blobs.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte("source-bytes"), nil)
	blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil)
	store.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)
	store.On("CreateExportAsset", mock.Anything, mock.Anything).Return(nil)
	store.On("MarkReady", mock.Anything, job.ID, mock.Anything, mock.Anything).
		Return(true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	w.tick(ctx)

	select {
	case <-renderer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started rendering")
	}

	// Shutdown: the poll context dies while the job is mid-render.
	cancel()
	close(renderer.release)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, w.Drain(drainCtx))

	// The job finished cleanly despite the canceled poll context.
	store.AssertCalled(t, "MarkReady", mock.Anything, job.ID, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, w.Running())
}

func TestDrainExpires(t *testing.T) {
	store := new(mockJobStore)
	blobs := new(mockBlobStore)
	renderer := &blockingRenderer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	w, _ := newTestWorker(t, store, blobs, renderer, nil)

	job := testJob()
	job.Options.GenerateThumbnails = false
	job.Formats = job.Formats[:1]

	store.On("ClaimNextJob", mock.Anything, "test-worker").Return(job, nil).Once()
	blobs.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte("source-bytes"), nil)
	blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil)
	store.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)
	store.On("CreateExportAsset", mock.Anything, mock.Anything).Return(nil)
	store.On("MarkReady", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(true, nil)

	w.tick(context.Background())
	<-renderer.started

	// The job is parked, so a short drain deadline must expire.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer drainCancel()
	assert.Error(t, w.Drain(drainCtx))

	// Unblock and wait out the job so the goroutine doesn't outlive the test.
	close(renderer.release)
	require.NoError(t, w.Drain(context.Background()))
}

func TestNewClampsConfig(t *testing.T) {
	w := New(new(mockJobStore), new(mockBlobStore), &fakeRenderer{}, nil, Config{})
	assert.Equal(t, 1, w.Capacity())
	assert.Equal(t, 0, w.Running())
}

// assertScratchEmpty checks that the per-job scratch directory was removed.
func assertScratchEmpty(t *testing.T, scratchRoot string, jobID uuid.UUID) {
	t.Helper()
	_, err := os.Stat(filepath.Join(scratchRoot, jobID.String()))
	assert.True(t, os.IsNotExist(err), "scratch dir for job %s should be removed", jobID)
}
