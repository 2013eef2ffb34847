package app

import (
	"github.com/recallhq/recall-backend/internal/platform/envutil"
	"github.com/recallhq/recall-backend/internal/settings"
)

// Config is the boot snapshot of the settings store plus the few values that
// stay environment-only (listen address). Settings edited at runtime apply to
// new reads through the store; these cached values need a restart.
type Config struct {
	ListenAddr string

	LLMBaseURL   string
	LLMAPIKey    string
	ChatModel    string
	EmbedModel   string
	EmbedDim     int
	WhisperModel string

	VectorURL        string
	VectorCollection string

	RedisAddr string

	MaxChunkChars int
	RedactEnabled bool

	MediaDir string
}

func LoadConfig(store *settings.Store) Config {
	return Config{
		ListenAddr: envutil.String("LISTEN_ADDR", ":8080"),

		LLMBaseURL:   store.GetString("llm.base_url", "https://api.openai.com/v1"),
		LLMAPIKey:    store.GetString("llm.api_key", ""),
		ChatModel:    store.GetString("llm.chat_model", "gpt-4o-mini"),
		EmbedModel:   store.GetString("llm.embed_model", "text-embedding-3-small"),
		EmbedDim:     store.GetInt("llm.embed_dim", 1536),
		WhisperModel: store.GetString("llm.whisper_model", "whisper-1"),

		VectorURL:        store.GetString("vector.url", "http://localhost:6333"),
		VectorCollection: store.GetString("vector.collection", "archive"),

		RedisAddr: store.GetString("tasks.redis_addr", "localhost:6379"),

		MaxChunkChars: store.GetInt("ingest.max_chunk_chars", 4500),
		RedactEnabled: store.GetBool("ingest.pii_redaction", true),

		MediaDir: store.GetString("media.dir", "./data/media"),
	}
}
