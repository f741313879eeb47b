package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
	"github.com/google/uuid"
)

// GetBrandKit loads the precomputed overlay expressions a job references.
// The worker treats the expressions as opaque; they are built and validated
// by the brand-kit editor, not here.
func (db *DB) GetBrandKit(ctx context.Context, id uuid.UUID) (*models.BrandKit, error) {
	query := `
		SELECT id, name, video_overlay, thumbnail_overlay, created_at, updated_at
		FROM brand_kits
		WHERE id = $1
	`

	kit := &models.BrandKit{}
	var videoOverlay, thumbOverlay sql.NullString
	err := db.QueryRowContext(ctx, query, id).Scan(
		&kit.ID, &kit.Name, &videoOverlay, &thumbOverlay,
		&kit.CreatedAt, &kit.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("brand kit not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brand kit: %w", err)
	}

	kit.VideoOverlay = models.Overlay{Expr: videoOverlay.String}
	kit.ThumbnailOverlay = models.Overlay{Expr: thumbOverlay.String}

	return kit, nil
}
