// Package gmail pulls email on a schedule from a settings-configured
// fetcher endpoint and hands each message to the ingestion queue.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

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

func (p *Plugin) Name() string        { return "gmail" }
func (p *Plugin) DisplayName() string { return "Gmail" }
func (p *Plugin) Icon() string        { return "mail" }
func (p *Plugin) Version() string     { return "1.0.3" }
func (p *Plugin) Description() string {
	return "Syncs email from a Gmail fetcher endpoint on a schedule"
}
func (p *Plugin) RoutePrefix() string { return "gmail" }

func (p *Plugin) DefaultSettings() []settings.Default {
	return []settings.Default{
		{Key: "plugins.gmail.fetch_url", Value: "", Category: "plugins", Type: types.SettingText, Description: "Fetcher endpoint returning unseen messages as JSON"},
		{Key: "plugins.gmail.api_token", Value: "", Category: "plugins", Type: types.SettingSecret, Description: "Bearer token for the fetcher endpoint"},
		{Key: "plugins.gmail.sync_interval", Value: "10m", Category: "plugins", Type: types.SettingText, Description: "How often to poll for new mail"},
	}
}

func (p *Plugin) Initialize(host *plugins.Host) error {
	p.host = host
	p.log = host.Log.With("plugin", "gmail")
	p.http = &http.Client{Timeout: 30 * time.Second}
	return nil
}

func (p *Plugin) Shutdown() error {
	p.http.CloseIdleConnections()
	return nil
}

func (p *Plugin) HealthCheck(ctx context.Context) map[string]string {
	url := p.host.Settings.GetString("plugins.gmail.fetch_url", "")
	if url == "" {
		return map[string]string{"fetcher": "not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return map[string]string{"fetcher": err.Error()}
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return map[string]string{"fetcher": err.Error()}
	}
	resp.Body.Close()
	return map[string]string{"fetcher": "ok"}
}

func (p *Plugin) SyncInterval() string {
	return p.host.Settings.GetString("plugins.gmail.sync_interval", "10m")
}

// fetchedMessage is one email from the fetcher.
type fetchedMessage struct {
	MessageID   string `json:"message_id"`
	ThreadID    string `json:"thread_id"`
	FromName    string `json:"from_name"`
	FromEmail   string `json:"from_email"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
	Language    string `json:"language"`
	Attachments []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Path string `json:"path"`
		Mime string `json:"mime"`
	} `json:"attachments"`
}

// ScheduledSync pulls unseen messages and enqueues each as a source item.
// The fetcher marks messages seen on delivery; dedup at the vector store
// covers redeliveries.
func (p *Plugin) ScheduledSync(ctx context.Context) error {
	url := p.host.Settings.GetString("plugins.gmail.fetch_url", "")
	if url == "" {
		p.log.Debug("sync skipped, fetcher not configured")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token := p.host.Settings.GetString("plugins.gmail.api_token", ""); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetcher returned status %d", resp.StatusCode)
	}

	var messages []fetchedMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return fmt.Errorf("decode fetcher response: %w", err)
	}

	queued := 0
	for _, msg := range messages {
		if msg.MessageID == "" {
			continue
		}
		item := ingest.SourceItem{
			Text:           msg.Subject + "\n\n" + msg.Body,
			Source:         "gmail",
			SourceNativeID: msg.MessageID,
			ContentType:    "document",
			Sender:         msg.FromName,
			SenderEmail:    msg.FromEmail,
			Timestamp:      msg.Timestamp,
			Language:       msg.Language,
			ThreadID:       "gmail:" + msg.ThreadID,
		}
		if err := ingest.EnqueueItem(ctx, p.host.Tasks, tasks.QueueDefault, item); err != nil {
			p.log.Warn("email enqueue failed", "message_id", msg.MessageID, "error", err)
			continue
		}
		queued++

		for _, att := range msg.Attachments {
			attItem := ingest.SourceItem{
				Text:           att.Name,
				Source:         "gmail",
				SourceNativeID: msg.MessageID + ":" + att.ID,
				ContentType:    "document",
				Sender:         msg.FromName,
				SenderEmail:    msg.FromEmail,
				Timestamp:      msg.Timestamp,
				HasMedia:       true,
				MediaType:      att.Mime,
				MediaPath:      att.Path,
				ThreadID:       "gmail:" + msg.ThreadID,
				ParentNativeID: msg.MessageID,
			}
			if err := ingest.EnqueueItem(ctx, p.host.Tasks, tasks.QueueDefault, attItem); err != nil {
				p.log.Warn("attachment enqueue failed", "message_id", msg.MessageID, "error", err)
			}
		}
	}
	if queued > 0 {
		p.log.Info("mail sync complete", "queued", queued)
	}
	return nil
}

var _ plugins.ChannelPlugin = (*Plugin)(nil)
var _ plugins.SyncHandler = (*Plugin)(nil)
