package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/pixelforge/thumbnailer/internal/api/respond"
	"github.com/pixelforge/thumbnailer/internal/config"
	"github.com/pixelforge/thumbnailer/internal/model"
	imagerepo "github.com/pixelforge/thumbnailer/internal/repository/image"
	thumbrepo "github.com/pixelforge/thumbnailer/internal/repository/thumbnail"
	imagesvc "github.com/pixelforge/thumbnailer/internal/service/image"
)

// allowedMIMETypes are the upload content types accepted by the API.
var allowedMIMETypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// service defines the interface for image-related operations.
type service interface {
	Submit(ctx context.Context, filename string, sizeBytes int64, file io.Reader) (model.Image, error)
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, []model.Thumbnail, error)
	GetThumbnail(ctx context.Context, id uuid.UUID, sizeName string) (model.Thumbnail, io.ReadCloser, error)
	DeleteImage(ctx context.Context, id uuid.UUID) error
}

// dbPinger checks database connectivity for the health endpoint.
type dbPinger interface {
	PingContext(ctx context.Context) error
}

// Handler provides HTTP handlers for image-related endpoints.
type Handler struct {
	service   service
	upload    config.Upload
	sizeNames map[string]struct{}
	db        dbPinger
}

// NewHandler creates a new Handler. sizes is the configured thumbnail
// size set; requests for any other size name are rejected.
func NewHandler(s service, upload config.Upload, sizes []config.SizeSpec, db dbPinger) *Handler {
	names := make(map[string]struct{}, len(sizes))
	for _, size := range sizes {
		names[size.Name] = struct{}{}
	}

	return &Handler{
		service:   s,
		upload:    upload,
		sizeNames: names,
		db:        db,
	}
}

// UploadResponse is the body returned after a successful upload.
type UploadResponse struct {
	ID         uuid.UUID    `json:"id"`
	Filename   string       `json:"filename"`
	Status     model.Status `json:"status"`
	SizeBytes  int64        `json:"size_bytes"`
	UploadedAt time.Time    `json:"uploaded_at"`
}

// Upload handles the HTTP request for uploading an image. The file is
// validated, stored, recorded, and queued for processing.
func (h *Handler) Upload(c *ginext.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to retrieve uploaded file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to retrieve the file"))
		return
	}
	defer file.Close()

	if err := h.validate(header.Filename, header.Header.Get("Content-Type"), header.Size); err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	img, err := h.service.Submit(c.Request.Context(), header.Filename, header.Size, file)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to submit the image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("upload failed"))
		return
	}

	respond.Created(c, UploadResponse{
		ID:         img.ID,
		Filename:   img.OriginalFilename,
		Status:     img.Status,
		SizeBytes:  img.SizeBytes,
		UploadedAt: img.UploadedAt,
	})
}

// validate enforces the upload content type, extension and size limits.
func (h *Handler) validate(filename, contentType string, size int64) error {
	if _, ok := allowedMIMETypes[contentType]; !ok {
		return fmt.Errorf("invalid file type %q", contentType)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")

	allowed := false
	for _, e := range h.upload.AllowedExtensions {
		if ext == e {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid extension %q, allowed: %s", ext, strings.Join(h.upload.AllowedExtensions, ", "))
	}

	if max := int64(h.upload.MaxSizeMB) << 20; size > max {
		return fmt.Errorf("file too large, max: %dMB", h.upload.MaxSizeMB)
	}

	return nil
}

// GetThumbnail serves the generated thumbnail bytes for one size.
func (h *Handler) GetThumbnail(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}

	size := c.Param("size")
	if _, ok := h.sizeNames[size]; !ok {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid size %q", size))
		return
	}

	_, reader, err := h.service.GetThumbnail(c.Request.Context(), id, size)
	if err != nil {
		if errors.Is(err, thumbrepo.ErrThumbnailNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("thumbnail %q not found, the image may still be processing", size))
			return
		}
		if errors.Is(err, imagesvc.ErrThumbnailFileMissing) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("thumbnail file not found in storage"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get thumbnail")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get thumbnail"))
		return
	}
	defer reader.Close()

	respond.JPEG(c, http.StatusOK, reader)
}

// MetaResponse is the metadata body for one image.
type MetaResponse struct {
	Image      model.Image       `json:"image"`
	Thumbnails []model.Thumbnail `json:"thumbnails"`
}

// GetMeta returns the image record and its thumbnail rows, including
// the processing status and any failure reason.
func (h *Handler) GetMeta(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}

	img, thumbs, err := h.service.GetImage(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to get image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get image"))
		return
	}

	respond.OK(c, MetaResponse{Image: img, Thumbnails: thumbs})
}

// Delete removes an image, its thumbnails and the stored objects.
func (h *Handler) Delete(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}

	if err := h.service.DeleteImage(c.Request.Context(), id); err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
			return
		}

		zlog.Logger.Err(err).Msg("failed to delete the image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to delete image"))
		return
	}

	c.Status(http.StatusNoContent)
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
}

// Health reports service liveness and database connectivity.
func (h *Handler) Health(c *ginext.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Service:   "image-api",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
	}

	if h.db != nil {
		if err := h.db.PingContext(c.Request.Context()); err != nil {
			resp.Status = "degraded"
			resp.Database = "unhealthy: " + err.Error()
		}
	}

	respond.JSON(c, http.StatusOK, resp)
}
