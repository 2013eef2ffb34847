// Package whatsapp receives message webhooks from a WhatsApp bridge and
// hands them to the ingestion queue.
package whatsapp

import (
	"context"
	"crypto/subtle"
	"net/http"
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

func (p *Plugin) Name() string        { return "whatsapp" }
func (p *Plugin) DisplayName() string { return "WhatsApp" }
func (p *Plugin) Icon() string        { return "message-circle" }
func (p *Plugin) Version() string     { return "1.2.0" }
func (p *Plugin) Description() string {
	return "Ingests WhatsApp messages and media via bridge webhooks"
}
func (p *Plugin) RoutePrefix() string { return "whatsapp" }

func (p *Plugin) DefaultSettings() []settings.Default {
	return []settings.Default{
		{Key: "plugins.whatsapp.webhook_secret", Value: "", Category: "plugins", Type: types.SettingSecret, Description: "Shared secret expected in X-Webhook-Secret"},
		{Key: "plugins.whatsapp.ingest_groups", Value: "true", Category: "plugins", Type: types.SettingBool, Description: "Ingest group chat messages"},
	}
}

func (p *Plugin) Initialize(host *plugins.Host) error {
	p.host = host
	p.log = host.Log.With("plugin", "whatsapp")
	return nil
}

func (p *Plugin) Shutdown() error { return nil }

func (p *Plugin) HealthCheck(ctx context.Context) map[string]string {
	return map[string]string{"webhook": "ok"}
}

// webhookMessage is the bridge's message shape.
type webhookMessage struct {
	MessageID  string `json:"message_id" binding:"required"`
	ChatID     string `json:"chat_id" binding:"required"`
	ChatName   string `json:"chat_name"`
	IsGroup    bool   `json:"is_group"`
	SenderName string `json:"sender_name"`
	SenderWAID string `json:"sender_wa_id"`
	Phone      string `json:"phone"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	Language   string `json:"language"`
	ReplyTo    string `json:"reply_to"`
	Media      *struct {
		Type string `json:"type"`
		URL  string `json:"url"`
		Path string `json:"path"`
	} `json:"media"`
}

func (p *Plugin) Routes(rg *gin.RouterGroup) {
	rg.POST("/webhook", p.handleWebhook)
}

// LegacyRoutes keeps the pre-plugin-framework path alive.
func (p *Plugin) LegacyRoutes(r gin.IRouter) {
	r.POST("/webhook", p.handleWebhook)
}

// handleWebhook validates, builds a SourceItem and enqueues it. All real
// work happens on the queue so the bridge gets a fast 200.
func (p *Plugin) handleWebhook(c *gin.Context) {
	if !p.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}

	var msg webhookMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.IsGroup && !p.host.Settings.GetBool("plugins.whatsapp.ingest_groups", true) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "group ingestion disabled"})
		return
	}

	item := ingest.SourceItem{
		Text:           msg.Text,
		Source:         "whatsapp",
		SourceNativeID: msg.ChatID + ":" + strconv.FormatInt(msg.Timestamp, 10),
		ContentType:    contentType(msg),
		Sender:         msg.SenderName,
		SenderPhone:    msg.Phone,
		SenderWAID:     msg.SenderWAID,
		ChatID:         msg.ChatID,
		ChatName:       msg.ChatName,
		IsGroup:        msg.IsGroup,
		Timestamp:      msg.Timestamp,
		Language:       msg.Language,
		ThreadID:       "whatsapp:" + msg.ChatID,
	}
	if msg.Media != nil {
		item.HasMedia = true
		item.MediaType = msg.Media.Type
		item.MediaURL = msg.Media.URL
		item.MediaPath = msg.Media.Path
	}
	if msg.ReplyTo != "" {
		item.ParentNativeID = msg.ChatID + ":" + msg.ReplyTo
		item.ParentRelation = types.RelationReplyTo
	}

	queue := tasks.QueueDefault
	if item.MediaType == "voice" {
		queue = tasks.QueueHeavy
	}
	if err := ingest.EnqueueItem(c.Request.Context(), p.host.Tasks, queue, item); err != nil {
		p.log.Error("webhook enqueue failed", "chat_id", msg.ChatID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "source_id": item.SourceID()})
}

func contentType(msg webhookMessage) string {
	if msg.Media == nil {
		return "text"
	}
	switch msg.Media.Type {
	case "image":
		return "image"
	case "voice", "audio":
		return "voice"
	default:
		return "text"
	}
}

func (p *Plugin) authorized(c *gin.Context) bool {
	want := p.host.Settings.GetString("plugins.whatsapp.webhook_secret", "")
	if want == "" {
		return true
	}
	got := c.GetHeader("X-Webhook-Secret")
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

var _ plugins.ChannelPlugin = (*Plugin)(nil)
var _ plugins.WebhookHandler = (*Plugin)(nil)
