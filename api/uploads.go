package api

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"kanban-api/blob"
	"kanban-api/domain"
)

const voiceContentType = "audio/webm"

type uploadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type deleteUploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type fileErrorResponse struct {
	Error string `json:"error"`
}

func (s *server) uploadImage(c echo.Context) error {
	return s.upload(c, "image", domain.UploadsPath, nil)
}

func (s *server) uploadVoice(c echo.Context) error {
	return s.upload(c, "voice", domain.VoiceNotesPath, func(contentType string) error {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil || mt != voiceContentType {
			return echo.NewHTTPError(http.StatusBadRequest, "Only .webm audio allowed")
		}
		return nil
	})
}

func (s *server) upload(c echo.Context, field, urlPath string, accept func(contentType string) error) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.opts.MaxUploadBytes+1<<20)
	fh, err := c.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Message: "File too large"})
		}
		return c.String(http.StatusBadRequest, "No file uploaded")
	}
	if fh.Size > s.opts.MaxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Message: "File too large"})
	}
	contentType := fh.Header.Get(echo.HeaderContentType)
	if accept != nil {
		if err := accept(contentType); err != nil {
			return s.writeError(c, err)
		}
	}
	f, err := fh.Open()
	if err != nil {
		return s.writeError(c, err)
	}
	defer f.Close()

	name := blob.NewFilename(fh.Filename, s.now())
	if err := s.blobs.Put(c.Request().Context(), name, contentType, f); err != nil {
		return s.writeError(c, err)
	}
	s.log.WithField("file", name).WithField("size", fh.Size).Info("file uploaded")
	return c.JSON(http.StatusOK, uploadResponse{URL: s.baseURL(c) + urlPath + name, Filename: name})
}

func (s *server) baseURL(c echo.Context) string {
	if s.opts.PublicBaseURL != "" {
		return strings.TrimRight(s.opts.PublicBaseURL, "/")
	}
	return c.Scheme() + "://" + c.Request().Host
}

func (s *server) serveUpload(c echo.Context) error {
	name := c.Param("filename")
	if !blob.ValidName(name) {
		return c.JSON(http.StatusNotFound, fileErrorResponse{Error: "File not found"})
	}
	rc, err := s.blobs.Open(c.Request().Context(), name)
	if errors.Is(err, blob.ErrNotFound) {
		return c.JSON(http.StatusNotFound, fileErrorResponse{Error: "File not found"})
	}
	if err != nil {
		return s.writeError(c, err)
	}
	defer rc.Close()
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=86400")
	return c.Stream(http.StatusOK, contentType, rc)
}

// deleteUpload removes a file by name. Unknown and invalid names answer 404
// with the same body.
func (s *server) deleteUpload(c echo.Context) error {
	name := c.Param("filename")
	if !blob.ValidName(name) {
		return c.JSON(http.StatusNotFound, fileErrorResponse{Error: "File not found"})
	}
	err := s.blobs.Delete(c.Request().Context(), name)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, deleteUploadResponse{Success: true, Message: "File deleted"})
	case errors.Is(err, blob.ErrNotFound):
		return c.JSON(http.StatusNotFound, fileErrorResponse{Error: "File not found"})
	default:
		s.log.WithField("file", name).Errorf("failed to delete file: %v", err)
		return c.JSON(http.StatusNotFound, fileErrorResponse{Error: "File not found"})
	}
}
