// Package paperless ingests documents from a paperless-ngx instance, both
// via its post-consume webhook and a periodic catch-up sync.
package paperless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

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
	http *http.Client
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string        { return "paperless" }
func (p *Plugin) DisplayName() string { return "Paperless" }
func (p *Plugin) Icon() string        { return "file-text" }
func (p *Plugin) Version() string     { return "1.1.0" }
func (p *Plugin) Description() string {
	return "Ingests OCRed documents from paperless-ngx"
}
func (p *Plugin) RoutePrefix() string { return "paperless" }

func (p *Plugin) DefaultSettings() []settings.Default {
	return []settings.Default{
		{Key: "plugins.paperless.base_url", Value: "", Category: "plugins", Type: types.SettingText, Description: "paperless-ngx base URL"},
		{Key: "plugins.paperless.api_token", Value: "", Category: "plugins", Type: types.SettingSecret, Description: "paperless-ngx API token"},
		{Key: "plugins.paperless.sync_interval", Value: "30m", Category: "plugins", Type: types.SettingText, Description: "Catch-up sync cadence"},
	}
}

func (p *Plugin) Initialize(host *plugins.Host) error {
	p.host = host
	p.log = host.Log.With("plugin", "paperless")
	p.http = &http.Client{Timeout: 60 * time.Second}
	return nil
}

func (p *Plugin) Shutdown() error {
	p.http.CloseIdleConnections()
	return nil
}

func (p *Plugin) HealthCheck(ctx context.Context) map[string]string {
	base := p.host.Settings.GetString("plugins.paperless.base_url", "")
	if base == "" {
		return map[string]string{"paperless": "not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/", nil)
	if err != nil {
		return map[string]string{"paperless": err.Error()}
	}
	p.authorize(req)
	resp, err := p.http.Do(req)
	if err != nil {
		return map[string]string{"paperless": err.Error()}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return map[string]string{"paperless": fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return map[string]string{"paperless": "ok"}
}

// document is the subset of the paperless-ngx document shape we consume.
type document struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	Created       string `json:"created"`
	Correspondent string `json:"correspondent_name"`
	DownloadURL   string `json:"download_url"`
}

func (p *Plugin) Routes(rg *gin.RouterGroup) {
	rg.POST("/consumed", p.handleConsumed)
	rg.POST("/updated", p.handleUpdated)
}

func (p *Plugin) LegacyRoutes(gin.IRouter) {}

// handleConsumed is the post-consume webhook: paperless finished OCR on one
// document.
func (p *Plugin) handleConsumed(c *gin.Context) {
	var doc document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if doc.ID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing document id"})
		return
	}
	if err := p.enqueueDocument(c.Request.Context(), doc); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "document_id": doc.ID})
}

// handleUpdated fires when a document is edited or re-OCRed in paperless.
// Unlike consume, the worker replaces existing chunks instead of deduping.
func (p *Plugin) handleUpdated(c *gin.Context) {
	var doc document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if doc.ID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing document id"})
		return
	}
	if err := ingest.EnqueueRefresh(c.Request.Context(), p.host.Tasks, tasks.QueueDefault, p.itemFor(doc)); err != nil {
		p.log.Error("document refresh enqueue failed", "document_id", doc.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "document_id": doc.ID})
}

func (p *Plugin) itemFor(doc document) ingest.SourceItem {
	return ingest.SourceItem{
		Text:           doc.Title + "\n\n" + doc.Content,
		Source:         "paperless",
		SourceNativeID: strconv.FormatInt(doc.ID, 10),
		ContentType:    "document",
		Sender:         doc.Correspondent,
		Timestamp:      parseCreated(doc.Created),
		HasMedia:       doc.DownloadURL != "",
		MediaType:      "document",
		MediaURL:       doc.DownloadURL,
	}
}

func (p *Plugin) enqueueDocument(ctx context.Context, doc document) error {
	if err := ingest.EnqueueItem(ctx, p.host.Tasks, tasks.QueueDefault, p.itemFor(doc)); err != nil {
		p.log.Error("document enqueue failed", "document_id", doc.ID, "error", err)
		return err
	}
	return nil
}

func (p *Plugin) SyncInterval() string {
	return p.host.Settings.GetString("plugins.paperless.sync_interval", "30m")
}

// ScheduledSync walks recent documents from the API. Webhooks are the fast
// path; this catches anything missed while the host was down. Dedup at the
// vector store makes the overlap free.
func (p *Plugin) ScheduledSync(ctx context.Context) error {
	base := p.host.Settings.GetString("plugins.paperless.base_url", "")
	if base == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		base+"/api/documents/?ordering=-created&page_size=100", nil)
	if err != nil {
		return err
	}
	p.authorize(req)
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("paperless returned status %d", resp.StatusCode)
	}

	var page struct {
		Results []document `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("decode documents page: %w", err)
	}
	for _, doc := range page.Results {
		if err := p.enqueueDocument(ctx, doc); err != nil {
			return err
		}
	}
	if len(page.Results) > 0 {
		p.log.Info("document sync complete", "count", len(page.Results))
	}
	return nil
}

func (p *Plugin) authorize(req *http.Request) {
	if token := p.host.Settings.GetString("plugins.paperless.api_token", ""); token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
}

func parseCreated(created string) int64 {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, created); err == nil {
			return t.Unix()
		}
	}
	return 0
}

var _ plugins.ChannelPlugin = (*Plugin)(nil)
var _ plugins.WebhookHandler = (*Plugin)(nil)
var _ plugins.SyncHandler = (*Plugin)(nil)
