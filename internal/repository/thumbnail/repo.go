package thumbnail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/pixelforge/thumbnailer/internal/model"
)

var ErrThumbnailNotFound = errors.New("thumbnail not found")

// Repository provides operations on generated thumbnail records.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Upsert inserts a thumbnail record, replacing any existing row for
// the same (image_id, size_name). Replacement rather than a duplicate
// error keeps concurrent double-processing of one task harmless.
func (r *Repository) Upsert(ctx context.Context, th model.Thumbnail) error {
	query := `
		INSERT INTO thumbnails (image_id, size_name, width, height, file_path, size_bytes, generation_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (image_id, size_name) DO UPDATE
		SET width = EXCLUDED.width,
		    height = EXCLUDED.height,
		    file_path = EXCLUDED.file_path,
		    size_bytes = EXCLUDED.size_bytes,
		    generation_time_ms = EXCLUDED.generation_time_ms
	`

	_, err := r.db.ExecContext(
		ctx, query, th.ImageID, th.SizeName, th.Width, th.Height, th.Path, th.SizeBytes, th.GenerationTimeMS,
	)
	if err != nil {
		return fmt.Errorf("upsert: failed to save thumbnail: %w", err)
	}

	return nil
}

// GetByImageAndSize retrieves one thumbnail record.
func (r *Repository) GetByImageAndSize(ctx context.Context, imageID uuid.UUID, sizeName string) (model.Thumbnail, error) {
	query := `
		SELECT width, height, file_path, size_bytes, generation_time_ms, created_at
		FROM thumbnails
		WHERE image_id = $1 AND size_name = $2
	`

	th := model.Thumbnail{ImageID: imageID, SizeName: sizeName}

	err := r.db.QueryRowContext(ctx, query, imageID, sizeName).Scan(
		&th.Width, &th.Height, &th.Path, &th.SizeBytes, &th.GenerationTimeMS, &th.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Thumbnail{}, ErrThumbnailNotFound
		}

		return model.Thumbnail{}, fmt.Errorf("get: failed to get thumbnail: %w", err)
	}

	return th, nil
}

// ListByImage retrieves all thumbnail records of one image in size-name order.
func (r *Repository) ListByImage(ctx context.Context, imageID uuid.UUID) ([]model.Thumbnail, error) {
	query := `
		SELECT size_name, width, height, file_path, size_bytes, generation_time_ms, created_at
		FROM thumbnails
		WHERE image_id = $1
		ORDER BY size_name
	`

	rows, err := r.db.Master.QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query thumbnails: %w", err)
	}
	defer rows.Close()

	var thumbs []model.Thumbnail
	for rows.Next() {
		th := model.Thumbnail{ImageID: imageID}
		if err := rows.Scan(&th.SizeName, &th.Width, &th.Height, &th.Path, &th.SizeBytes, &th.GenerationTimeMS, &th.CreatedAt); err != nil {
			return nil, fmt.Errorf("list: scan: %w", err)
		}
		thumbs = append(thumbs, th)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: rows: %w", err)
	}

	return thumbs, nil
}
