package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/restora/internal/api/dto"
	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/shared/blobstore"
	"github.com/gin-gonic/gin"
)

const (
	uploadPrefix          = "uploads"
	defaultMaxUploadBytes = 10 << 20
)

var allowedUploadTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// MediaHandler stores uploads and streams owned blobs back
type MediaHandler struct {
	logger        *slog.Logger
	blobs         blobstore.Store
	publicBaseURL string
	maxUpload     int64
	now           func() time.Time
}

// NewMediaHandler creates a new MediaHandler instance
func NewMediaHandler(deps *Dependencies) *MediaHandler {
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &MediaHandler{
		logger:        deps.Logger,
		blobs:         deps.Blobs,
		publicBaseURL: strings.TrimRight(deps.PublicBaseURL, "/"),
		maxUpload:     maxUpload,
		now:           time.Now,
	}
}

// Upload handles POST /api/v1/uploads (multipart field "file")
func (h *MediaHandler) Upload(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		respondError(c, domain.ErrUnauthenticated)
		return
	}

	// multipart framing needs some headroom over the file itself
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+1<<16)
	header, err := c.FormFile("file")
	if err != nil {
		respondBadRequest(c, "multipart field \"file\" is required")
		return
	}
	if header.Size > h.maxUpload {
		respondBadRequest(c, "file is too large")
		return
	}

	f, err := header.Open()
	if err != nil {
		respondBadRequest(c, "unreadable file")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil || int64(len(data)) > h.maxUpload {
		respondBadRequest(c, "file is too large")
		return
	}

	contentType := http.DetectContentType(data)
	if !allowedUploadTypes[contentType] {
		respondBadRequest(c, "only jpeg, png and webp images are accepted")
		return
	}

	key := blobstore.NewKey(uploadPrefix, account, header.Filename, h.now())
	if err := h.blobs.Put(c.Request.Context(), key, data, contentType); err != nil {
		h.logger.Error("Failed to store upload",
			slog.String("account_id", account),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	resp := dto.UploadResponse{Key: key}
	if h.publicBaseURL != "" {
		resp.URL = h.publicBaseURL + "/" + key
	}
	c.JSON(http.StatusCreated, resp)
}

// Get handles GET /api/v1/media/*key
// Only blobs under the caller's account namespace are served
func (h *MediaHandler) Get(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		respondError(c, domain.ErrUnauthenticated)
		return
	}

	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" || !blobstore.OwnedBy(key, account) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "not_found", Message: "media not found"})
		return
	}

	rc, obj, err := h.blobs.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, blobstore.ErrObjectNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "not_found", Message: "media not found"})
			return
		}
		h.logger.Error("Failed to read media", slog.String("key", key), slog.String("error", err.Error()))
		respondError(c, err)
		return
	}
	defer rc.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, obj.Size, contentType, rc, map[string]string{
		"Cache-Control": "private, max-age=3600",
	})
}
