// Package llm is a thin client for OpenAI-compatible chat, embedding and
// transcription endpoints. The concrete vendor is swappable through the base
// URL and model names; everything downstream depends only on this interface.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/recallhq/recall-backend/internal/platform/apierr"
	"github.com/recallhq/recall-backend/internal/platform/ctxutil"
	"github.com/recallhq/recall-backend/internal/platform/logger"
)

type Client interface {
	GenerateText(ctx context.Context, system string, user string, opts ...CallOption) (string, error)
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Transcribe(ctx context.Context, audioPath string, language string) (string, error)
	RegisterObserver(o CallObserver)
}

type Config struct {
	BaseURL      string
	APIKey       string
	Provider     string
	ChatModel    string
	EmbedModel   string
	WhisperModel string
	ChatTimeout  time.Duration
	HTTPTimeout  time.Duration
	MaxRetries   int
}

type CallOption func(*callMeta)

type callMeta struct {
	conversationID string
	requestContext string
}

// WithConversation attributes the call's cost to a conversation.
func WithConversation(id string) CallOption {
	return func(m *callMeta) { m.conversationID = id }
}

// WithRequestContext labels the call for the cost ledger ("condense",
// "synthesis", "fact_extraction", ...).
func WithRequestContext(label string) CallOption {
	return func(m *callMeta) { m.requestContext = label }
}

type client struct {
	log *logger.Logger
	cfg Config

	httpClient *http.Client
	chatClient *http.Client

	mu        sync.RWMutex
	observers []CallObserver
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm base url required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	return &client{
		log:        log.With("service", "LLMClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		chatClient: &http.Client{Timeout: cfg.ChatTimeout},
	}, nil
}

func (c *client) RegisterObserver(o CallObserver) {
	if o == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *client) notify(ev CallEvent) {
	c.mu.RLock()
	obs := make([]CallObserver, len(c.observers))
	copy(obs, c.observers)
	c.mu.RUnlock()
	for _, o := range obs {
		o.OnCallComplete(ev)
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

func (c *client) GenerateText(ctx context.Context, system string, user string, opts ...CallOption) (string, error) {
	meta := callMeta{}
	for _, opt := range opts {
		opt(&meta)
	}

	req := chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}

	var resp chatResponse
	if err := c.postJSON(ctx, c.chatClient, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", apierr.ExternalUnavailable("llm_empty_response", fmt.Errorf("chat completion returned no choices"))
	}
	text := resp.Choices[0].Message.Content

	ev := CallEvent{
		Provider:       c.cfg.Provider,
		Model:          c.cfg.ChatModel,
		Kind:           KindChat,
		ConversationID: meta.conversationID,
		RequestContext: meta.requestContext,
	}
	if resp.Usage != nil {
		ev.InTokens = resp.Usage.PromptTokens
		ev.OutTokens = resp.Usage.CompletionTokens
		ev.TotalTokens = resp.Usage.TotalTokens
		ev.UsageReported = true
	} else {
		ev.InTokens = EstimateTokens(system + user)
		ev.OutTokens = EstimateTokens(text)
		ev.TotalTokens = ev.InTokens + ev.OutTokens
	}
	c.notify(ev)
	return text, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *usage `json:"usage"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	var resp embedResponse
	if err := c.postJSON(ctx, c.httpClient, "/embeddings", embedRequest{Model: c.cfg.EmbedModel, Input: inputs}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(inputs) {
		return nil, apierr.ExternalUnavailable(
			"embed_count_mismatch",
			fmt.Errorf("embedding count mismatch: want=%d got=%d", len(inputs), len(resp.Data)),
		)
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, apierr.ExternalUnavailable("embed_bad_index", fmt.Errorf("embedding index out of range: %d", d.Index))
		}
		out[d.Index] = d.Embedding
	}

	ev := CallEvent{
		Provider: c.cfg.Provider,
		Model:    c.cfg.EmbedModel,
		Kind:     KindEmbed,
	}
	if resp.Usage != nil {
		ev.InTokens = resp.Usage.PromptTokens
		ev.TotalTokens = resp.Usage.TotalTokens
		ev.UsageReported = true
	} else {
		for _, in := range inputs {
			ev.TotalTokens += EstimateTokens(in)
		}
		ev.InTokens = ev.TotalTokens
	}
	c.notify(ev)
	return out, nil
}

type transcribeResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
}

func (c *client) Transcribe(ctx context.Context, audioPath string, language string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", apierr.InvalidInput("audio_open_failed", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", apierr.Internal("multipart_build_failed", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", apierr.Internal("multipart_copy_failed", err)
	}
	_ = mw.WriteField("model", c.cfg.WhisperModel)
	_ = mw.WriteField("response_format", "verbose_json")
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return "", apierr.Internal("multipart_close_failed", err)
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", apierr.Internal("build_request_failed", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	raw, err := c.doWithRetry(c.chatClient, req, nil)
	if err != nil {
		return "", err
	}
	var resp transcribeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", apierr.ExternalUnavailable("transcribe_decode_failed", err)
	}

	c.notify(CallEvent{
		Provider:      c.cfg.Provider,
		Model:         c.cfg.WhisperModel,
		Kind:          KindWhisper,
		AudioSeconds:  resp.Duration,
		UsageReported: resp.Duration > 0,
	})
	return resp.Text, nil
}

func (c *client) postJSON(ctx context.Context, hc *http.Client, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return apierr.Internal("encode_request_failed", err)
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apierr.Internal("build_request_failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	raw, err := c.doWithRetry(hc, req, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.ExternalUnavailable("decode_response_failed", err)
	}
	return nil
}

// doWithRetry retries 429 and 5xx responses with a short linear backoff.
// Request bodies are rebuilt from the original payload between attempts.
func (c *client) doWithRetry(hc *http.Client, req *http.Request, payload []byte) ([]byte, error) {
	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if payload == nil {
				break
			}
			req = req.Clone(req.Context())
			req.Body = io.NopCloser(bytes.NewReader(payload))
			select {
			case <-req.Context().Done():
				return nil, apierr.ExternalUnavailable("llm_cancelled", req.Context().Err())
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}

		resp, err := hc.Do(req)
		if err != nil {
			lastErr = apierr.ExternalUnavailable("llm_request_failed", err)
			continue
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = apierr.ExternalUnavailable("llm_read_failed", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return raw, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = apierr.RateLimited("llm_rate_limited", fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(raw)))
		case resp.StatusCode >= 500:
			lastErr = apierr.ExternalUnavailable("llm_upstream_error", fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(raw)))
		default:
			return nil, apierr.InvalidInput("llm_rejected_request", fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(raw)))
		}
	}
	return nil, lastErr
}

func (c *client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// EstimateTokens approximates usage when the provider omits it. Four bytes
// per token is the usual ballpark for mixed English/Hebrew content.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func truncate(raw []byte) string {
	const max = 512
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
