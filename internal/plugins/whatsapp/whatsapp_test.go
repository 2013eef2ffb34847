package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/plugins"
	"github.com/recallhq/recall-backend/internal/settings"
	"github.com/recallhq/recall-backend/internal/types"
)

type captureEnqueuer struct {
	queues []string
	tasks  []string
	args   []map[string]any
	err    error
}

func (c *captureEnqueuer) Enqueue(_ context.Context, queue, task string, args map[string]any) error {
	if c.err != nil {
		return c.err
	}
	c.queues = append(c.queues, queue)
	c.tasks = append(c.tasks, task)
	c.args = append(c.args, args)
	return nil
}

func newTestPlugin(t *testing.T) (*Plugin, *captureEnqueuer, *settings.Store, *gin.Engine) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:wa_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	store := settings.NewStore(db, log)
	queue := &captureEnqueuer{}

	p := New()
	host := &plugins.Host{Log: log, Settings: store, Tasks: queue}
	if err := p.Initialize(host); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := store.RegisterDefaults(p.DefaultSettings()); err != nil {
		t.Fatalf("defaults: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	p.Routes(r.Group("/plugins/whatsapp"))
	p.LegacyRoutes(r)
	return p, queue, store, r
}

func postJSON(r *gin.Engine, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validMessage() map[string]any {
	return map[string]any{
		"message_id":   "m1",
		"chat_id":      "chat42",
		"chat_name":    "Family",
		"sender_name":  "Noa",
		"sender_wa_id": "972520001111@c.us",
		"phone":        "+972-52-000-1111",
		"text":         "I moved to Haifa last month",
		"timestamp":    1700000000,
	}
}

func TestWebhookEnqueuesSourceItem(t *testing.T) {
	_, queue, _, r := newTestPlugin(t)

	w := postJSON(r, "/plugins/whatsapp/webhook", validMessage(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response body: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("bridge contract wants status=ok, got %v", resp["status"])
	}
	if resp["source_id"] != "whatsapp:chat42:1700000000" {
		t.Fatalf("source_id: %v", resp["source_id"])
	}
	if len(queue.tasks) != 1 || queue.tasks[0] != "ingest.item" {
		t.Fatalf("should enqueue one ingest task, got %v", queue.tasks)
	}
	if queue.queues[0] != "default" {
		t.Fatalf("text messages go on the default queue, got %q", queue.queues[0])
	}

	item, ok := queue.args[0]["item"].(map[string]any)
	if !ok {
		t.Fatalf("args should carry the serialized item: %v", queue.args[0])
	}
	if item["Source"] != "whatsapp" {
		t.Fatalf("item source: %v", item["Source"])
	}
	if item["SourceNativeID"] != "chat42:1700000000" {
		t.Fatalf("native id should be chat_id:timestamp, got %v", item["SourceNativeID"])
	}
}

func TestWebhookRejectsMissingFields(t *testing.T) {
	_, queue, _, r := newTestPlugin(t)
	w := postJSON(r, "/plugins/whatsapp/webhook", map[string]any{"text": "hi"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d", w.Code)
	}
	if len(queue.tasks) != 0 {
		t.Fatalf("invalid payload must not enqueue")
	}
}

func TestWebhookSecretEnforced(t *testing.T) {
	_, queue, store, r := newTestPlugin(t)
	if err := store.Set("plugins.whatsapp.webhook_secret", "s3cret"); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	w := postJSON(r, "/plugins/whatsapp/webhook", validMessage(), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: want=401 got=%d", w.Code)
	}
	if len(queue.tasks) != 0 {
		t.Fatalf("unauthorized request must not enqueue")
	}

	w = postJSON(r, "/plugins/whatsapp/webhook", validMessage(), map[string]string{"X-Webhook-Secret": "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("with secret: want=200 got=%d", w.Code)
	}
}

func TestLegacyWebhookPathAliased(t *testing.T) {
	_, queue, _, r := newTestPlugin(t)
	w := postJSON(r, "/webhook", validMessage(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("legacy path: want=200 got=%d", w.Code)
	}
	if len(queue.tasks) != 1 {
		t.Fatalf("legacy path should enqueue")
	}
}

func TestVoiceMessagesGoToHeavyQueue(t *testing.T) {
	_, queue, _, r := newTestPlugin(t)
	msg := validMessage()
	msg["media"] = map[string]any{"type": "voice", "path": "/media/v.ogg"}
	w := postJSON(r, "/plugins/whatsapp/webhook", msg, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if queue.queues[0] != "heavy" {
		t.Fatalf("voice messages go on the heavy queue, got %q", queue.queues[0])
	}
}

func TestGroupMessagesCanBeDisabled(t *testing.T) {
	_, queue, store, r := newTestPlugin(t)
	if err := store.Set("plugins.whatsapp.ingest_groups", "false"); err != nil {
		t.Fatalf("set: %v", err)
	}
	msg := validMessage()
	msg["is_group"] = true
	w := postJSON(r, "/plugins/whatsapp/webhook", msg, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ignored group message should 200, got %d", w.Code)
	}
	if len(queue.tasks) != 0 {
		t.Fatalf("disabled group ingestion must not enqueue")
	}
}
