// Package settings is the typed key/value config store. Environment
// variables seed it exactly once at first boot; afterwards the table is the
// sole source of truth and is edited over HTTP.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/types"
)

// seedSentinelKey marks that the env overlay already ran, so restarts never
// re-read the environment.
const seedSentinelKey = "system.seed_completed"

type Default struct {
	Key         string
	Value       string
	Category    string
	Type        types.SettingType
	Description string
}

type Store struct {
	db  *gorm.DB
	log *logger.Logger
	mu  sync.RWMutex
}

func NewStore(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.With("service", "SettingsStore")}
}

// builtinDefaults is the core config surface. Plugins contribute their own
// rows through RegisterDefaults at enable time.
func builtinDefaults() []Default {
	return []Default{
		{Key: "llm.base_url", Value: "https://api.openai.com/v1", Category: "llm", Type: types.SettingText, Description: "OpenAI-compatible API base URL"},
		{Key: "llm.api_key", Value: "", Category: "llm", Type: types.SettingSecret, Description: "API key for the LLM provider"},
		{Key: "llm.chat_model", Value: "gpt-4o-mini", Category: "llm", Type: types.SettingText, Description: "Chat completion model"},
		{Key: "llm.embed_model", Value: "text-embedding-3-small", Category: "llm", Type: types.SettingText, Description: "Embedding model"},
		{Key: "llm.embed_dim", Value: "1536", Category: "llm", Type: types.SettingInt, Description: "Embedding vector dimension"},
		{Key: "llm.whisper_model", Value: "whisper-1", Category: "llm", Type: types.SettingText, Description: "Transcription model"},
		{Key: "rag.default_k", Value: "15", Category: "rag", Type: types.SettingInt, Description: "Default retrieval depth"},
		{Key: "rag.min_score", Value: "0.0", Category: "rag", Type: types.SettingFloat, Description: "Minimum reranked score to keep a chunk"},
		{Key: "rag.rerank_url", Value: "", Category: "rag", Type: types.SettingText, Description: "Cross-encoder rerank endpoint; empty disables reranking"},
		{Key: "rag.timezone", Value: "Asia/Jerusalem", Category: "rag", Type: types.SettingText, Description: "Timezone for answer timestamps and calendar events"},
		{Key: "ingest.pii_redaction", Value: "true", Category: "ingest", Type: types.SettingBool, Description: "Run PII redaction before embedding"},
		{Key: "ingest.max_chunk_chars", Value: "4500", Category: "ingest", Type: types.SettingInt, Description: "Maximum characters per chunk"},
		{Key: "vector.url", Value: "http://localhost:6333", Category: "vector", Type: types.SettingText, Description: "Qdrant URL"},
		{Key: "vector.collection", Value: "archive", Category: "vector", Type: types.SettingText, Description: "Qdrant collection name"},
		{Key: "tasks.redis_addr", Value: "localhost:6379", Category: "tasks", Type: types.SettingText, Description: "Redis address for the task broker"},
		{Key: "media.dir", Value: "./data/media", Category: "media", Type: types.SettingText, Description: "Root directory for served media files"},
	}
}

// Seed inserts built-in defaults, then overlays any value whose corresponding
// environment variable is set. The overlay runs once. Key "llm.api_key" maps
// to env "LLM_API_KEY".
func (s *Store) Seed() error {
	if err := s.RegisterDefaults(builtinDefaults()); err != nil {
		return err
	}

	if _, ok, err := s.lookup(seedSentinelKey); err != nil {
		return err
	} else if ok {
		return nil
	}

	overlaid := 0
	for _, d := range builtinDefaults() {
		envName := strings.ToUpper(strings.ReplaceAll(d.Key, ".", "_"))
		v, set := os.LookupEnv(envName)
		if !set || strings.TrimSpace(v) == "" {
			continue
		}
		if err := s.Set(d.Key, strings.TrimSpace(v)); err != nil {
			return err
		}
		overlaid++
	}

	row := types.Setting{
		Key:       seedSentinelKey,
		Value:     "true",
		Category:  "system",
		Type:      types.SettingBool,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("write seed sentinel: %w", err)
	}
	s.log.Info("Settings seeded", "env_overlays", overlaid)
	return nil
}

func (s *Store) Get(key string) (string, bool) {
	v, ok, err := s.lookup(key)
	if err != nil {
		s.log.Error("settings lookup failed", "key", key, "error", err)
		return "", false
	}
	return v, ok
}

func (s *Store) lookup(key string) (string, bool, error) {
	var row types.Setting
	err := s.db.Where("key = ?", key).Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Store) GetString(key string, def string) string {
	if v, ok := s.Get(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func (s *Store) GetInt(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

func (s *Store) GetFloat(key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func (s *Store) Set(key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Model(&types.Setting{}).
		Where("key = ?", key).
		Updates(map[string]any{"value": value, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func (s *Store) SetMany(values map[string]string) error {
	for key, value := range values {
		if err := s.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetByCategory(category string) ([]types.Setting, error) {
	var rows []types.Setting
	q := s.db.Order("key ASC")
	if category != "" && category != "all" {
		q = q.Where("category = ?", category)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ResetDefaults restores built-in values for one category, or all of them.
// Plugin-registered rows are left alone; plugins reset their own.
func (s *Store) ResetDefaults(category string) error {
	for _, d := range builtinDefaults() {
		if category != "" && category != "all" && d.Category != category {
			continue
		}
		if err := s.Set(d.Key, d.Value); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDefaults inserts rows only when missing, so disable/re-enable of a
// plugin preserves user edits.
func (s *Store) RegisterDefaults(defaults []Default) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range defaults {
		row := types.Setting{
			Key:         d.Key,
			Value:       d.Value,
			Category:    d.Category,
			Type:        d.Type,
			Description: d.Description,
			UpdatedAt:   time.Now().UTC(),
		}
		err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("register default %q: %w", d.Key, err)
		}
	}
	return nil
}

// Masked renders a setting for display. Secrets show first4…last3 only.
func Masked(row types.Setting) types.Setting {
	if row.Type != types.SettingSecret || row.Value == "" {
		return row
	}
	row.Value = maskSecret(row.Value)
	return row
}

func maskSecret(v string) string {
	if len(v) <= 7 {
		return "…"
	}
	return v[:4] + "…" + v[len(v)-3:]
}
