package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPackaging  JobStatus = "packaging"
	JobStatusUploaded   JobStatus = "uploaded"
	JobStatusReady      JobStatus = "ready"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether the status is final. Progress and completion writes
// against a terminal job must be no-ops.
func (s JobStatus) Terminal() bool {
	return s == JobStatusReady || s == JobStatusFailed || s == JobStatusCanceled
}

type AssetKind string

const (
	AssetKindVideo     AssetKind = "video"
	AssetKindThumbnail AssetKind = "thumbnail"
	AssetKindMetadata  AssetKind = "metadata"
	AssetKindArchive   AssetKind = "archive"
)

// StoragePathEmbedded is the storage_path sentinel for assets that are packed
// inside the job's zip rather than stored as separate objects.
const StoragePathEmbedded = "embedded:zip"

// Encoding defaults applied when a format leaves bitrate/fps unset.
const (
	DefaultBitrate           = "6M"
	DefaultFPS               = 30
	DefaultThumbnailTimecode = "00:00:01"
)

// Format is one requested output rendition: aspect ratio label plus the exact
// pixel resolution, with optional bitrate/fps overrides.
type Format struct {
	Ratio      string `json:"ratio"`
	Resolution string `json:"resolution"` // "WxH", e.g. "1080x1920"
	Bitrate    string `json:"bitrate,omitempty"`
	FPS        int    `json:"fps,omitempty"`
}

// Dims parses the Resolution field into width and height.
func (f Format) Dims() (int, int, error) {
	parts := strings.SplitN(strings.ToLower(f.Resolution), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q: expected WxH", f.Resolution)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution width in %q", f.Resolution)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution height in %q", f.Resolution)
	}
	return w, h, nil
}

// DirName returns the zip directory name for this format's ratio label.
// The ratio separator is not filesystem-safe, so "9:16" becomes "9x16".
func (f Format) DirName() string {
	return strings.ReplaceAll(f.Ratio, ":", "x")
}

// EffectiveBitrate returns the requested bitrate or the encoder default.
func (f Format) EffectiveBitrate() string {
	if f.Bitrate != "" {
		return f.Bitrate
	}
	return DefaultBitrate
}

// EffectiveFPS returns the requested fps or the encoder default.
func (f Format) EffectiveFPS() int {
	if f.FPS > 0 {
		return f.FPS
	}
	return DefaultFPS
}

func (f Format) Validate() error {
	if f.Ratio == "" {
		return fmt.Errorf("format ratio is required")
	}
	if _, _, err := f.Dims(); err != nil {
		return err
	}
	if f.FPS < 0 {
		return fmt.Errorf("fps must be non-negative")
	}
	return nil
}

// FormatList is the JSONB column holding the ordered rendition request.
type FormatList []Format

func (l FormatList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *FormatList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("formats column: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, l)
}

// Validate checks the whole rendition request at the queue-consumption boundary.
func (l FormatList) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("at least one format is required")
	}
	for i, f := range l {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("format %d: %w", i, err)
		}
	}
	return nil
}

// MetadataOverrides are the user-supplied text-file contents packed alongside
// the renditions. Unset fields produce empty files.
type MetadataOverrides struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
}

// ExportOptions is the JSONB options bag on an export job.
type ExportOptions struct {
	GenerateThumbnails bool              `json:"generate_thumbnails"`
	ThumbnailTimecode  string            `json:"thumbnail_timecode,omitempty"`
	Metadata           MetadataOverrides `json:"metadata,omitempty"`
}

func (o ExportOptions) Value() (driver.Value, error) {
	return json.Marshal(o)
}

func (o *ExportOptions) Scan(value interface{}) error {
	if value == nil {
		*o = ExportOptions{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("options column: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, o)
}

// EffectiveThumbnailTimecode returns the requested frame timecode or the default.
func (o ExportOptions) EffectiveThumbnailTimecode() string {
	if o.ThumbnailTimecode != "" {
		return o.ThumbnailTimecode
	}
	return DefaultThumbnailTimecode
}

// Overlay is an opaque brand-kit post-processing step: a pre-baked expression in
// the transcoder's filter language, passed through unmodified. The worker never
// constructs or validates these.
type Overlay struct {
	Expr string `json:"expr"`
}

func (o Overlay) IsZero() bool {
	return o.Expr == ""
}

// Models

type ExportJob struct {
	ID           uuid.UUID     `json:"id"`
	UserID       string        `json:"user_id"`
	SourceBucket string        `json:"source_bucket"`
	SourcePath   string        `json:"source_path"`
	Formats      FormatList    `json:"formats"`
	Options      ExportOptions `json:"options"`
	BrandKitID   *uuid.UUID    `json:"brand_kit_id,omitempty"`
	Status       JobStatus     `json:"status"`
	Progress     int           `json:"progress"`
	ZipPath      *string       `json:"zip_path,omitempty"`
	ZipSizeBytes *int64        `json:"zip_size_bytes,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	RetryCount   int           `json:"retry_count"`
	WorkerID     *string       `json:"worker_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type ExportAsset struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"job_id"`
	Kind        AssetKind `json:"kind"`
	Variant     string    `json:"variant"` // e.g. "9:16-1080x1920", "title.txt"
	StoragePath string    `json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes"`
	ChecksumHex string    `json:"checksum_hex"`
	CreatedAt   time.Time `json:"created_at"`
}

// BrandKit supplies precomputed overlay filter expressions, keyed by the id a
// job references. Read-only input to the worker.
type BrandKit struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	VideoOverlay     Overlay   `json:"video_overlay"`
	ThumbnailOverlay Overlay   `json:"thumbnail_overlay"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DTOs for API responses

type CreateExportRequest struct {
	UserID       string        `json:"user_id"`
	SourceBucket string        `json:"source_bucket,omitempty"` // defaults to the configured source bucket
	SourcePath   string        `json:"source_path"`
	Formats      FormatList    `json:"formats"`
	Options      ExportOptions `json:"options"`
	BrandKitID   *uuid.UUID    `json:"brand_kit_id,omitempty"`
}

type CreateExportResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type ExportStatusResponse struct {
	JobID    uuid.UUID `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Error    *string   `json:"error,omitempty"`
}

type ExportDownloadResponse struct {
	DownloadURL  string `json:"download_url"`
	ZipSizeBytes int64  `json:"zip_size_bytes"`
	ExpiresIn    int    `json:"expires_in"`
}

type HealthResponse struct {
	OK                    bool      `json:"ok"`
	CurrentlyRunningCount int       `json:"currently_running_count"`
	MaxConcurrent         int       `json:"max_concurrent"`
	Timestamp             time.Time `json:"timestamp"`
}
