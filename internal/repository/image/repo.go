package image

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/pixelforge/thumbnailer/internal/model"
)

var ErrImageNotFound = errors.New("image not found")

// Repository provides CRUD operations for image records.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new image record. The id is assigned by the caller
// (the producer) and is immutable thereafter.
func (r *Repository) Create(ctx context.Context, img model.Image) error {
	query := `
		INSERT INTO images (id, original_filename, original_path, size_bytes, status, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(
		ctx, query, img.ID, img.OriginalFilename, img.OriginalPath, img.SizeBytes, img.Status, img.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("create: failed to insert image: %w", err)
	}

	return nil
}

// Get retrieves an image record by ID. The read goes to the master: a
// worker looks the row up right after the producer commits it, and a
// lagging replica would report it missing.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (model.Image, error) {
	query := `
		SELECT original_filename, original_path, size_bytes, status, uploaded_at, processed_at, error_message
		FROM images
		WHERE id = $1
	`

	var (
		img         model.Image
		processedAt sql.NullTime
		errMessage  sql.NullString
	)

	err := r.db.Master.QueryRowContext(ctx, query, id).Scan(
		&img.OriginalFilename, &img.OriginalPath, &img.SizeBytes,
		&img.Status, &img.UploadedAt, &processedAt, &errMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}

		return model.Image{}, fmt.Errorf("get: failed to get image: %w", err)
	}

	img.ID = id
	if processedAt.Valid {
		t := processedAt.Time
		img.ProcessedAt = &t
	}
	img.ErrorMessage = errMessage.String

	return img, nil
}

// MarkProcessing sets the status to processing and clears the error
// message of any earlier failed attempt. The write is persisted before
// generation starts so concurrent observers see the state.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE images
		SET status = $1, error_message = NULL
		WHERE id = $2
	`

	return r.mark(ctx, query, model.StatusProcessing, id)
}

// MarkCompleted sets the terminal completed status, clears any error
// message from an earlier failed attempt, and records processed_at.
// processed_at keeps its first value across replays.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE images
		SET status = $1, processed_at = COALESCE(processed_at, now()), error_message = NULL
		WHERE id = $2
	`

	return r.mark(ctx, query, model.StatusCompleted, id)
}

// MarkFailed sets the terminal failed status with the failure reason.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE images
		SET status = $1, processed_at = COALESCE(processed_at, now()), error_message = $3
		WHERE id = $2
	`

	res, err := r.db.ExecContext(ctx, query, model.StatusFailed, id, message)
	if err != nil {
		return fmt.Errorf("mark failed: failed to update image: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrImageNotFound
	}

	return nil
}

func (r *Repository) mark(ctx context.Context, query string, status model.Status, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("mark %s: failed to update image: %w", status, err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrImageNotFound
	}

	return nil
}

// Delete removes an image record. Thumbnail rows go with it via the
// foreign key cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete: failed to delete image: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrImageNotFound
	}

	return nil
}
