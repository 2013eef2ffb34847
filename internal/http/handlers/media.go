package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall-backend/internal/http/response"
	"github.com/recallhq/recall-backend/internal/platform/apierr"
)

// MediaHandler serves archived media and generated event files from fixed
// directories under the media root. Only the base name of the request path is
// honored, so traversal cannot escape the scoped directory.
type MediaHandler struct {
	imageDir string
	eventDir string
}

func NewMediaHandler(mediaDir string) *MediaHandler {
	return &MediaHandler{
		imageDir: filepath.Join(mediaDir, "images"),
		eventDir: filepath.Join(mediaDir, "events"),
	}
}

// GET /media/images/:name
func (h *MediaHandler) Image(c *gin.Context) {
	h.serve(c, h.imageDir, c.Param("name"))
}

// GET /media/events/:name
func (h *MediaHandler) Event(c *gin.Context) {
	path, ok := h.resolve(c, h.eventDir, c.Param("name"))
	if !ok {
		return
	}
	c.Header("Content-Disposition", "attachment")
	c.File(path)
}

func (h *MediaHandler) serve(c *gin.Context, dir, name string) {
	path, ok := h.resolve(c, dir, name)
	if !ok {
		return
	}
	c.File(path)
}

func (h *MediaHandler) resolve(c *gin.Context, dir, name string) (string, bool) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		response.RespondError(c, http.StatusBadRequest, "invalid_media_name", nil)
		return "", false
	}
	path := filepath.Join(dir, base)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		response.RespondAPIError(c, apierr.NotFound("media_not_found", err))
		return "", false
	}
	return path, true
}
