package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/pixelforge/thumbnailer/internal/config"
	"github.com/pixelforge/thumbnailer/internal/model"
)

const jpegQuality = 85

// fileStorage defines the interface for file storage.
// It allows saving and loading files from a backend (e.g., local FS, S3, MinIO).
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, path string) (io.ReadCloser, error)
}

// Processor generates sized thumbnail derivatives from source images.
type Processor struct {
	fileStorage fileStorage
}

// New creates a new Processor with the given file storage backend.
func New(fs fileStorage) *Processor {
	return &Processor{fileStorage: fs}
}

// Open loads and decodes the source image at the given storage path.
// The decoded image is reused across all sizes of one task so the
// source is read and decoded only once.
func (p *Processor) Open(ctx context.Context, path string) (image.Image, error) {
	src, err := p.fileStorage.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load source image: %w", err)
	}
	defer src.Close()

	img, err := imaging.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, nil
}

// Generate produces one derivative for the given size: an
// aspect-preserving fit into the size's bounding box, encoded as JPEG
// and stored under thumbnails/<size>/<image id>.jpg. The returned
// record carries the actual output dimensions, which may be smaller
// than the box.
func (p *Processor) Generate(ctx context.Context, src image.Image, imageID uuid.UUID, size config.SizeSpec) (model.Thumbnail, error) {
	start := time.Now()

	thumb := imaging.Fit(src, size.MaxWidth, size.MaxHeight, imaging.Lanczos)

	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return model.Thumbnail{}, fmt.Errorf("failed to encode thumbnail %s: %w", size.Name, err)
	}

	sizeBytes := int64(buf.Len())

	dst, err := p.fileStorage.Save(ctx, filepath.Join("thumbnails", size.Name), imageID.String()+".jpg", buf)
	if err != nil {
		return model.Thumbnail{}, fmt.Errorf("failed to save thumbnail %s: %w", size.Name, err)
	}

	return model.Thumbnail{
		ImageID:          imageID,
		SizeName:         size.Name,
		Width:            thumb.Bounds().Dx(),
		Height:           thumb.Bounds().Dy(),
		Path:             dst,
		SizeBytes:        sizeBytes,
		GenerationTimeMS: time.Since(start).Milliseconds(),
	}, nil
}
