package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/pixelforge/thumbnailer/internal/model"
	"github.com/pixelforge/thumbnailer/internal/queue"
)

// ErrThumbnailFileMissing reports a thumbnail record whose backing
// bytes are gone from storage.
var ErrThumbnailFileMissing = errors.New("thumbnail file missing from storage")

// fileStorage defines the interface for storing files (e.g., local filesystem or MinIO).
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// imageRepo defines the image record operations the service needs.
type imageRepo interface {
	Create(ctx context.Context, img model.Image) error
	Get(ctx context.Context, id uuid.UUID) (model.Image, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// thumbnailRepo defines the thumbnail record operations the service needs.
type thumbnailRepo interface {
	GetByImageAndSize(ctx context.Context, imageID uuid.UUID, sizeName string) (model.Thumbnail, error)
	ListByImage(ctx context.Context, imageID uuid.UUID) ([]model.Thumbnail, error)
}

// Service is the producer side of the pipeline plus the read surface
// for the API: it stores uploaded bytes, records the processing intent
// and hands work off to the queue.
type Service struct {
	fileStorage fileStorage
	queue       queue.Queue
	images      imageRepo
	thumbnails  thumbnailRepo
}

// NewService creates a new Service with the given dependencies.
func NewService(fs fileStorage, q queue.Queue, images imageRepo, thumbnails thumbnailRepo) *Service {
	return &Service{
		fileStorage: fs,
		queue:       q,
		images:      images,
		thumbnails:  thumbnails,
	}
}

// Submit stores the source bytes, inserts the image record with status
// uploaded, and publishes the processing task. The record is committed
// before the publish so a worker can never dequeue a task whose row is
// not yet visible. If the publish fails the image row remains with no
// task in flight; the error is surfaced so the caller can fail the
// upload.
func (s *Service) Submit(ctx context.Context, filename string, sizeBytes int64, file io.Reader) (model.Image, error) {
	id := uuid.New()

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".jpg"
	}

	dst, err := s.fileStorage.Save(ctx, "original", id.String()+ext, file)
	if err != nil {
		return model.Image{}, fmt.Errorf("submit: failed to save file: %w", err)
	}

	img := model.Image{
		ID:               id,
		OriginalFilename: filename,
		OriginalPath:     dst,
		SizeBytes:        sizeBytes,
		Status:           model.StatusUploaded,
		UploadedAt:       time.Now().UTC(),
	}

	if err := s.images.Create(ctx, img); err != nil {
		return model.Image{}, fmt.Errorf("submit: failed to create image record: %w", err)
	}

	payload, err := json.Marshal(model.Task{
		ImageID:          id,
		FilePath:         dst,
		OriginalFilename: filename,
	})
	if err != nil {
		return model.Image{}, fmt.Errorf("submit: failed to marshal task: %w", err)
	}

	msgID, err := s.queue.Publish(ctx, payload)
	if err != nil {
		// The image row now exists with no task in flight. Surface the
		// failure; the record stays in uploaded until resubmitted.
		return model.Image{}, fmt.Errorf("submit: image %s stored but task not enqueued: %w", id, err)
	}

	zlog.Logger.Info().
		Str("image_id", id.String()).
		Str("message_id", msgID).
		Msg("image submitted for processing")

	return img, nil
}

// GetImage retrieves the image record together with its thumbnail rows.
func (s *Service) GetImage(ctx context.Context, id uuid.UUID) (model.Image, []model.Thumbnail, error) {
	img, err := s.images.Get(ctx, id)
	if err != nil {
		return model.Image{}, nil, fmt.Errorf("get image: %w", err)
	}

	thumbs, err := s.thumbnails.ListByImage(ctx, id)
	if err != nil {
		return model.Image{}, nil, fmt.Errorf("get image: failed to list thumbnails: %w", err)
	}

	return img, thumbs, nil
}

// GetThumbnail retrieves one thumbnail record and a reader over its
// bytes. A record whose bytes are gone yields ErrThumbnailFileMissing.
func (s *Service) GetThumbnail(ctx context.Context, id uuid.UUID, sizeName string) (model.Thumbnail, io.ReadCloser, error) {
	th, err := s.thumbnails.GetByImageAndSize(ctx, id, sizeName)
	if err != nil {
		return model.Thumbnail{}, nil, fmt.Errorf("get thumbnail: %w", err)
	}

	reader, err := s.fileStorage.Load(ctx, th.Path)
	if err != nil {
		return model.Thumbnail{}, nil, fmt.Errorf("get thumbnail %s/%s: %w: %w", id, sizeName, ErrThumbnailFileMissing, err)
	}

	return th, reader, nil
}

// DeleteImage removes the stored objects and the image record; the
// thumbnail rows go with the record via the cascade. Object removal is
// best-effort: a stale object is preferable to a dangling record.
func (s *Service) DeleteImage(ctx context.Context, id uuid.UUID) error {
	img, err := s.images.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}

	thumbs, err := s.thumbnails.ListByImage(ctx, id)
	if err != nil {
		return fmt.Errorf("delete image: failed to list thumbnails: %w", err)
	}

	for _, th := range thumbs {
		if err := s.fileStorage.Delete(ctx, th.Path); err != nil {
			zlog.Logger.Warn().Err(err).Str("path", th.Path).Msg("failed to delete thumbnail object")
		}
	}

	if err := s.fileStorage.Delete(ctx, img.OriginalPath); err != nil {
		zlog.Logger.Warn().Err(err).Str("path", img.OriginalPath).Msg("failed to delete original object")
	}

	if err := s.images.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}

	return nil
}
