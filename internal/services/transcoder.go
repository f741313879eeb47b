package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
)

// ---------------------------------------------------------------------------
// Transcoder — drives ffmpeg to produce one scaled/padded/bitrate-controlled
// rendition per requested format, plus optional timestamped thumbnails.
// ---------------------------------------------------------------------------

type Transcoder struct{}

func NewTranscoder() *Transcoder {
	return &Transcoder{}
}

// buildRenditionFilter constructs the -vf chain for a format:
// scale to fit inside WxH preserving aspect ratio (decrease — shrink to fit,
// never upscale beyond source), then pad to exactly WxH with the scaled image
// centered (letterbox/pillarbox). A brand overlay expression, when present,
// is appended verbatim — it is an opaque contract from the brand-kit editor.
func buildRenditionFilter(width, height int, overlay models.Overlay) string {
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		width, height, width, height,
	)
	if !overlay.IsZero() {
		filter += "," + overlay.Expr
	}
	return filter
}

// TranscodeRendition produces one output video for the given format. Any
// failure here is fatal to the whole job — there is no per-format partial
// success.
func (t *Transcoder) TranscodeRendition(ctx context.Context, sourcePath, outputPath string, format models.Format, overlay models.Overlay) error {
	width, height, err := format.Dims()
	if err != nil {
		return err
	}

	vf := buildRenditionFilter(width, height, overlay)
	log.Printf("[Transcoder] Rendering %s (%s) filter=%s bitrate=%s fps=%d",
		format.Ratio, format.Resolution, vf, format.EffectiveBitrate(), format.EffectiveFPS())

	args := []string{
		"-i", sourcePath,
		"-vf", vf,
		"-c:v", "libx264",
		"-b:v", format.EffectiveBitrate(),
		"-r", fmt.Sprintf("%d", format.EffectiveFPS()),
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart", // streaming-friendly layout
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg rendition %s failed: %w: %s", format.Ratio, err, tail(string(output), 400))
	}

	return nil
}

// ExtractThumbnail grabs a single frame at the given timecode from an
// already-transcoded rendition, so thumbnail and video share identical
// framing and branding space. When the brand kit supplies a thumbnail
// overlay, it is applied as a second pass and the raw frame is discarded.
func (t *Transcoder) ExtractThumbnail(ctx context.Context, videoPath, outputPath, timecode string, overlay models.Overlay) error {
	extractTo := outputPath
	if !overlay.IsZero() {
		extractTo = outputPath + ".raw.png"
	}

	args := []string{
		"-ss", timecode,
		"-i", videoPath,
		"-frames:v", "1",
		"-y",
		extractTo,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg thumbnail extract failed: %w: %s", err, tail(string(output), 400))
	}

	if overlay.IsZero() {
		return nil
	}

	defer os.Remove(extractTo)

	args = []string{
		"-i", extractTo,
		"-vf", overlay.Expr,
		"-y",
		outputPath,
	}

	cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	output, err = cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg thumbnail overlay failed: %w: %s", err, tail(string(output), 400))
	}

	return nil
}

// tail keeps the last maxLen characters of ffmpeg output for error messages —
// the useful part of an ffmpeg failure is at the end of stderr.
func tail(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
