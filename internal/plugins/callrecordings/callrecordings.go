// Package callrecordings accepts audio uploads, stores them under the media
// directory and dispatches transcription to the heavy queue. The upload's
// content hash is the dedup key, so re-uploading the same recording is a
// no-op end to end.
package callrecordings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall-backend/internal/ingest"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/plugins"
	"github.com/recallhq/recall-backend/internal/settings"
	"github.com/recallhq/recall-backend/internal/tasks"
	"github.com/recallhq/recall-backend/internal/types"
)

type Plugin struct {
	log  *logger.Logger
	host *plugins.Host
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string        { return "callrecordings" }
func (p *Plugin) DisplayName() string { return "Call Recordings" }
func (p *Plugin) Icon() string        { return "phone" }
func (p *Plugin) Version() string     { return "1.0.1" }
func (p *Plugin) Description() string {
	return "Accepts call recording uploads and transcribes them"
}
func (p *Plugin) RoutePrefix() string { return "callrecordings" }

func (p *Plugin) DefaultSettings() []settings.Default {
	return []settings.Default{
		{Key: "plugins.callrecordings.max_upload_mb", Value: "200", Category: "plugins", Type: types.SettingInt, Description: "Maximum accepted upload size in megabytes"},
		{Key: "plugins.callrecordings.language", Value: "", Category: "plugins", Type: types.SettingText, Description: "Transcription language hint; empty autodetects"},
	}
}

func (p *Plugin) Initialize(host *plugins.Host) error {
	p.host = host
	p.log = host.Log.With("plugin", "callrecordings")
	dir := p.recordingsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return nil
}

func (p *Plugin) Shutdown() error { return nil }

func (p *Plugin) HealthCheck(ctx context.Context) map[string]string {
	if _, err := os.Stat(p.recordingsDir()); err != nil {
		return map[string]string{"storage": err.Error()}
	}
	return map[string]string{"storage": "ok"}
}

func (p *Plugin) recordingsDir() string {
	return filepath.Join(p.host.Settings.GetString("media.dir", "./data/media"), "recordings")
}

func (p *Plugin) Routes(rg *gin.RouterGroup) {
	rg.POST("/upload", p.handleUpload)
}

func (p *Plugin) LegacyRoutes(gin.IRouter) {}

// handleUpload streams the file to disk while hashing it, then enqueues the
// transcription.
func (p *Plugin) handleUpload(c *gin.Context) {
	maxMB := p.host.Settings.GetInt("plugins.callrecordings.max_upload_mb", 200)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(maxMB)<<20)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp(p.recordingsDir(), "upload-*")
	if err != nil {
		p.log.Error("temp file create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload truncated"})
		return
	}
	tmp.Close()

	hash := hex.EncodeToString(hasher.Sum(nil))
	finalPath := filepath.Join(p.recordingsDir(), hash+filepath.Ext(header.Filename))
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		os.Remove(tmp.Name())
		p.log.Error("recording move failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	timestamp, _ := strconv.ParseInt(c.PostForm("timestamp"), 10, 64)
	args := map[string]any{
		"media_path":       finalPath,
		"source_native_id": hash,
		"caller":           c.PostForm("caller"),
		"caller_phone":     c.PostForm("caller_phone"),
		"timestamp":        timestamp,
		"language":         p.host.Settings.GetString("plugins.callrecordings.language", ""),
	}
	if err := p.host.Tasks.Enqueue(c.Request.Context(), tasks.QueueHeavy, ingest.TaskTranscribe, args); err != nil {
		p.log.Error("transcription enqueue failed", "hash", hash, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "queued",
		"source_id": "call_recording:" + hash,
	})
}

var _ plugins.ChannelPlugin = (*Plugin)(nil)
var _ plugins.WebhookHandler = (*Plugin)(nil)
