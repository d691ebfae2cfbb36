package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/ginext"

	"github.com/pixelforge/thumbnailer/internal/config"
	"github.com/pixelforge/thumbnailer/internal/model"
	imagerepo "github.com/pixelforge/thumbnailer/internal/repository/image"
	thumbrepo "github.com/pixelforge/thumbnailer/internal/repository/thumbnail"
	imagesvc "github.com/pixelforge/thumbnailer/internal/service/image"
)

var testSizes = []config.SizeSpec{
	{Name: "small", MaxWidth: 150, MaxHeight: 150},
	{Name: "medium", MaxWidth: 400, MaxHeight: 400},
}

var testUpload = config.Upload{
	MaxSizeMB:         10,
	AllowedExtensions: []string{"jpg", "jpeg", "png", "gif", "webp"},
}

type fakeService struct {
	submitErr    error
	submitted    model.Image
	image        model.Image
	imageErr     error
	thumbnails   []model.Thumbnail
	thumbnail    model.Thumbnail
	thumbnailErr error
	bytes        []byte
	deleteErr    error
}

func (s *fakeService) Submit(_ context.Context, filename string, sizeBytes int64, _ io.Reader) (model.Image, error) {
	if s.submitErr != nil {
		return model.Image{}, s.submitErr
	}

	s.submitted = model.Image{
		ID:               uuid.New(),
		OriginalFilename: filename,
		SizeBytes:        sizeBytes,
		Status:           model.StatusUploaded,
		UploadedAt:       time.Now().UTC(),
	}

	return s.submitted, nil
}

func (s *fakeService) GetImage(context.Context, uuid.UUID) (model.Image, []model.Thumbnail, error) {
	if s.imageErr != nil {
		return model.Image{}, nil, s.imageErr
	}

	return s.image, s.thumbnails, nil
}

func (s *fakeService) GetThumbnail(context.Context, uuid.UUID, string) (model.Thumbnail, io.ReadCloser, error) {
	if s.thumbnailErr != nil {
		return model.Thumbnail{}, nil, s.thumbnailErr
	}

	return s.thumbnail, io.NopCloser(bytes.NewReader(s.bytes)), nil
}

func (s *fakeService) DeleteImage(context.Context, uuid.UUID) error {
	return s.deleteErr
}

type okPinger struct{}

func (okPinger) PingContext(context.Context) error { return nil }

type badPinger struct{}

func (badPinger) PingContext(context.Context) error { return fmt.Errorf("connection refused") }

func newTestHandler(svc *fakeService, db dbPinger) *Handler {
	return NewHandler(svc, testUpload, testSizes, db)
}

// multipartBody builds a multipart form with one file part carrying an
// explicit part content type.
func multipartBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := bytes.NewBuffer(nil)
	w := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	require.NoError(t, err)

	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return body, w.FormDataContentType()
}

func doUpload(t *testing.T, h *Handler, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, formType := multipartBody(t, filename, contentType, data)

	req := httptest.NewRequest(http.MethodPost, "/api/images", body)
	req.Header.Set("Content-Type", formType)

	return serve(h, req)
}

// newTestRouter mirrors the route table of the API router, which
// cannot be imported here without a cycle.
func newTestRouter(h *Handler) *ginext.Engine {
	r := ginext.New()

	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.POST("/images", h.Upload)
	api.GET("/images/:id", h.GetMeta)
	api.GET("/images/:id/:size", h.GetThumbnail)
	api.DELETE("/images/:id", h.Delete)

	return r
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	engine := newTestRouter(h)
	engine.ServeHTTP(rec, req)

	return rec
}

func TestHandler_Upload(t *testing.T) {
	svc := &fakeService{}
	h := newTestHandler(svc, okPinger{})

	rec := doUpload(t, h, "cat.jpg", "image/jpeg", []byte("fake jpeg"))

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Result UploadResponse `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, svc.submitted.ID, resp.Result.ID)
	assert.Equal(t, "cat.jpg", resp.Result.Filename)
	assert.Equal(t, model.StatusUploaded, resp.Result.Status)
	assert.Equal(t, int64(9), resp.Result.SizeBytes)
}

func TestHandler_UploadValidation(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		data        []byte
	}{
		{name: "disallowed content type", filename: "doc.jpg", contentType: "application/pdf", data: []byte("x")},
		{name: "disallowed extension", filename: "shell.sh", contentType: "image/jpeg", data: []byte("x")},
		{name: "no extension", filename: "noext", contentType: "image/jpeg", data: []byte("x")},
		{name: "oversize", filename: "big.jpg", contentType: "image/jpeg", data: bytes.Repeat([]byte("a"), 11<<20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			h := newTestHandler(svc, okPinger{})

			rec := doUpload(t, h, tt.filename, tt.contentType, tt.data)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, svc.submitted.ID, "rejected upload must not reach the service")
		})
	}
}

func TestHandler_UploadMissingFilePart(t *testing.T) {
	h := newTestHandler(&fakeService{}, okPinger{})

	req := httptest.NewRequest(http.MethodPost, "/api/images", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xxx")

	rec := serve(h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_UploadServiceFailure(t *testing.T) {
	svc := &fakeService{submitErr: fmt.Errorf("queue down")}
	h := newTestHandler(svc, okPinger{})

	rec := doUpload(t, h, "cat.jpg", "image/jpeg", []byte("fake jpeg"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "queue down", "internal detail must not leak to the client")
}

func TestHandler_GetThumbnail(t *testing.T) {
	svc := &fakeService{
		thumbnail: model.Thumbnail{SizeName: "small"},
		bytes:     []byte("jpeg bytes"),
	}
	h := newTestHandler(svc, okPinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/images/"+uuid.NewString()+"/small", nil)
	rec := serve(h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte("jpeg bytes"), rec.Body.Bytes())
}

func TestHandler_GetThumbnailBadRequests(t *testing.T) {
	h := newTestHandler(&fakeService{}, okPinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/images/not-a-uuid/small", nil)
	assert.Equal(t, http.StatusBadRequest, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/images/"+uuid.NewString()+"/gigantic", nil)
	assert.Equal(t, http.StatusBadRequest, serve(h, req).Code)
}

func TestHandler_GetThumbnailNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "row missing", err: fmt.Errorf("get thumbnail: %w", thumbrepo.ErrThumbnailNotFound)},
		{name: "bytes missing", err: fmt.Errorf("get thumbnail: %w", imagesvc.ErrThumbnailFileMissing)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&fakeService{thumbnailErr: tt.err}, okPinger{})

			req := httptest.NewRequest(http.MethodGet, "/api/images/"+uuid.NewString()+"/small", nil)
			assert.Equal(t, http.StatusNotFound, serve(h, req).Code)
		})
	}
}

func TestHandler_GetMeta(t *testing.T) {
	id := uuid.New()
	errMsg := "size medium: resize exploded"
	svc := &fakeService{
		image:      model.Image{ID: id, Status: model.StatusFailed, ErrorMessage: errMsg},
		thumbnails: []model.Thumbnail{{ImageID: id, SizeName: "small"}},
	}
	h := newTestHandler(svc, okPinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/images/"+id.String(), nil)
	rec := serve(h, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result MetaResponse `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, id, resp.Result.Image.ID)
	assert.Equal(t, model.StatusFailed, resp.Result.Image.Status)
	assert.Equal(t, errMsg, resp.Result.Image.ErrorMessage)
	require.Len(t, resp.Result.Thumbnails, 1)
}

func TestHandler_GetMetaNotFound(t *testing.T) {
	svc := &fakeService{imageErr: fmt.Errorf("get image: %w", imagerepo.ErrImageNotFound)}
	h := newTestHandler(svc, okPinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/images/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, serve(h, req).Code)
}

func TestHandler_Delete(t *testing.T) {
	h := newTestHandler(&fakeService{}, okPinger{})

	req := httptest.NewRequest(http.MethodDelete, "/api/images/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNoContent, serve(h, req).Code)
}

func TestHandler_DeleteNotFound(t *testing.T) {
	svc := &fakeService{deleteErr: fmt.Errorf("delete image: %w", imagerepo.ErrImageNotFound)}
	h := newTestHandler(svc, okPinger{})

	req := httptest.NewRequest(http.MethodDelete, "/api/images/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, serve(h, req).Code)
}

func TestHandler_Health(t *testing.T) {
	h := newTestHandler(&fakeService{}, okPinger{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := serve(h, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "image-api", resp.Service)
	assert.Equal(t, "healthy", resp.Database)
}

func TestHandler_HealthDegraded(t *testing.T) {
	h := newTestHandler(&fakeService{}, badPinger{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := serve(h, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Database, "unhealthy")
}
