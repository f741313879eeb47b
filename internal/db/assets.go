package db

import (
	"context"
	"fmt"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateExportAsset(ctx context.Context, asset *models.ExportAsset) error {
	query := `
		INSERT INTO export_assets (
			id, job_id, kind, variant, storage_path, size_bytes, checksum_hex
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		asset.ID, asset.JobID, asset.Kind, asset.Variant,
		asset.StoragePath, asset.SizeBytes, asset.ChecksumHex,
	).Scan(&asset.CreatedAt)
}

func (db *DB) GetJobAssets(ctx context.Context, jobID uuid.UUID) ([]models.ExportAsset, error) {
	query := `
		SELECT id, job_id, kind, variant, storage_path, size_bytes, checksum_hex, created_at
		FROM export_assets
		WHERE job_id = $1
		ORDER BY created_at
	`

	rows, err := db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []models.ExportAsset
	for rows.Next() {
		var asset models.ExportAsset
		err := rows.Scan(
			&asset.ID, &asset.JobID, &asset.Kind, &asset.Variant,
			&asset.StoragePath, &asset.SizeBytes, &asset.ChecksumHex, &asset.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, asset)
	}

	return assets, rows.Err()
}
