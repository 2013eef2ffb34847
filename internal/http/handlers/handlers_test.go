package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recallhq/recall-backend/internal/conversations"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
	"github.com/recallhq/recall-backend/internal/platform/sparse"
	"github.com/recallhq/recall-backend/internal/settings"
	"github.com/recallhq/recall-backend/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:handlers_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Conversation{}, &types.ConversationMessage{}, &types.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestConversationCRUD(t *testing.T) {
	log, _ := logger.New("development")
	store := conversations.NewStore(newTestDB(t), log)
	h := NewConversationHandler(store)

	r := gin.New()
	r.POST("/conversations", h.Create)
	r.GET("/conversations", h.List)
	r.GET("/conversations/:id", h.Get)
	r.PATCH("/conversations/:id", h.Rename)
	r.DELETE("/conversations/:id", h.Delete)

	w := doJSON(t, r, http.MethodPost, "/conversations", gin.H{"title": "trip plans"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Conversation types.Conversation `json:"conversation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created.Conversation.ID.String()

	w = doJSON(t, r, http.MethodPatch, "/conversations/"+id, gin.H{"title": "summer trip"})
	if w.Code != http.StatusOK {
		t.Fatalf("rename: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/conversations/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodDelete, "/conversations/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/conversations/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("deleted conversation should 404, got %d", w.Code)
	}
}

func TestConversationBadIDRejected(t *testing.T) {
	log, _ := logger.New("development")
	h := NewConversationHandler(conversations.NewStore(newTestDB(t), log))
	r := gin.New()
	r.GET("/conversations/:id", h.Get)

	w := doJSON(t, r, http.MethodGet, "/conversations/not-a-uuid", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", w.Code)
	}
}

func TestSettingsUpdateUnknownKeyFails(t *testing.T) {
	log, _ := logger.New("development")
	store := settings.NewStore(newTestDB(t), log)
	if err := store.RegisterDefaults([]settings.Default{
		{Key: "rag.default_k", Value: "15", Category: "rag", Type: types.SettingInt},
	}); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	h := NewSettingsHandler(store)
	r := gin.New()
	r.POST("/settings", h.Update)

	w := doJSON(t, r, http.MethodPost, "/settings", gin.H{"values": gin.H{"rag.default_k": "20"}})
	if w.Code != http.StatusOK {
		t.Fatalf("known key update: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, r, http.MethodPost, "/settings", gin.H{"values": gin.H{"nope.nothing": "1"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown key should 400, got %d", w.Code)
	}
}

func TestSettingsListMasksSecrets(t *testing.T) {
	log, _ := logger.New("development")
	store := settings.NewStore(newTestDB(t), log)
	err := store.RegisterDefaults([]settings.Default{
		{Key: "llm.api_key", Value: "sk-abcdef1234567890", Category: "llm", Type: types.SettingSecret},
	})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	h := NewSettingsHandler(store)
	r := gin.New()
	r.GET("/settings", h.List)

	w := doJSON(t, r, http.MethodGet, "/settings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("sk-abcdef1234567890")) {
		t.Fatalf("secret leaked in list response: %s", w.Body.String())
	}
}

// resetRecorder counts filtered deletes.
type resetRecorder struct {
	qdrant.Store
	filters []*qdrant.Filter
}

func (f *resetRecorder) DeleteByFilter(_ context.Context, filter *qdrant.Filter) error {
	f.filters = append(f.filters, filter)
	return nil
}

func (f *resetRecorder) CollectionStats(context.Context, []string) (qdrant.Stats, error) {
	return qdrant.Stats{TotalPoints: 3}, nil
}

func (f *resetRecorder) Search(context.Context, []float32, sparse.Vector, int, *qdrant.Filter) ([]qdrant.ScoredPoint, error) {
	return nil, nil
}

func TestRAGResetRequiresConfirm(t *testing.T) {
	log, _ := logger.New("development")
	vectors := &resetRecorder{}
	h := NewRAGHandler(log, nil, vectors)
	r := gin.New()
	r.POST("/rag/reset", h.Reset)

	w := doJSON(t, r, http.MethodPost, "/rag/reset", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed reset should 400, got %d", w.Code)
	}
	if len(vectors.filters) != 0 {
		t.Fatalf("nothing should be deleted without confirm")
	}

	w = doJSON(t, r, http.MethodPost, "/rag/reset", gin.H{"confirm": true, "source": "whatsapp"})
	if w.Code != http.StatusOK {
		t.Fatalf("confirmed reset: %d %s", w.Code, w.Body.String())
	}
	if len(vectors.filters) != 1 || vectors.filters[0].IsEmpty() {
		t.Fatalf("single-source reset should issue one filtered delete")
	}
}

func TestMediaTraversalIsScoped(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "images", "cat.jpg"), []byte("jpg"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	h := NewMediaHandler(dir)
	r := gin.New()
	r.GET("/media/images/:name", h.Image)

	w := doJSON(t, r, http.MethodGet, "/media/images/cat.jpg", nil)
	if w.Code != http.StatusOK || w.Body.String() != "jpg" {
		t.Fatalf("existing image should serve: %d %q", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/media/images/..%2Fsecret.txt", nil)
	if w.Code == http.StatusOK && bytes.Contains(w.Body.Bytes(), []byte("nope")) {
		t.Fatalf("traversal escaped the image directory")
	}
}
