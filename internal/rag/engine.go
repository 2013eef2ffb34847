// Package rag is the retrieval engine: condense, resolve, classify, expand,
// retrieve, rerank, synthesize, post-process. Every model call is observed
// by the cost meter, and a query's cost is the meter delta across the run.
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall-backend/internal/conversations"
	"github.com/recallhq/recall-backend/internal/costs"
	"github.com/recallhq/recall-backend/internal/identity"
	"github.com/recallhq/recall-backend/internal/platform/apierr"
	"github.com/recallhq/recall-backend/internal/platform/llm"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
	"github.com/recallhq/recall-backend/internal/platform/sparse"
	"github.com/recallhq/recall-backend/internal/settings"
	"github.com/recallhq/recall-backend/internal/types"
)

// Filters is the caller-supplied retrieval scope.
type Filters struct {
	ChatName   string `json:"chat_name,omitempty"`
	Sender     string `json:"sender,omitempty"`
	FilterDays int    `json:"filter_days,omitempty"`
}

type QueryRequest struct {
	Question       string  `json:"question"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Filters        Filters `json:"filters,omitempty"`
	K              int     `json:"k,omitempty"`
}

// Source is one cited chunk in a response.
type Source struct {
	ID        string  `json:"id"`
	Score     float64 `json:"score"`
	Sender    string  `json:"sender,omitempty"`
	ChatName  string  `json:"chat_name,omitempty"`
	Content   string  `json:"content"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

type QueryResponse struct {
	Answer         string      `json:"answer"`
	RichContent    []RichBlock `json:"rich_content"`
	Sources        []Source    `json:"sources"`
	ConversationID string      `json:"conversation_id"`
	CostUSD        float64     `json:"cost_usd"`
}

// familyRelationTypes gate depth-1 graph expansion for FAMILY_CONTEXT.
var familyRelationTypes = map[string]bool{
	"spouse": true, "parent": true, "child": true, "sibling": true,
	"wife": true, "husband": true, "mother": true, "father": true,
	"son": true, "daughter": true, "brother": true, "sister": true,
}

type Engine struct {
	log      *logger.Logger
	llm      llm.Client
	vectors  qdrant.Store
	graph    *identity.Store
	convs    *conversations.Store
	meter    *costs.Meter
	settings *settings.Store
	reranker *Reranker
	resolver *resolver
	mediaDir string
}

func NewEngine(
	log *logger.Logger,
	client llm.Client,
	vectors qdrant.Store,
	graph *identity.Store,
	convs *conversations.Store,
	meter *costs.Meter,
	cfg *settings.Store,
	mediaDir string,
) *Engine {
	l := log.With("service", "RetrievalEngine")
	return &Engine{
		log:      l,
		llm:      client,
		vectors:  vectors,
		graph:    graph,
		convs:    convs,
		meter:    meter,
		settings: cfg,
		reranker: NewReranker(log),
		resolver: &resolver{log: l, graph: graph},
		mediaDir: mediaDir,
	}
}

// retryOnce runs fn, retrying a single time when the failure is transient.
func retryOnce[T any](fn func() (T, error)) (T, error) {
	out, err := fn()
	if err != nil && apierr.IsTransient(err) {
		return fn()
	}
	return out, err
}

func (e *Engine) timezone() *time.Location {
	name := e.settings.GetString("rag.timezone", "Asia/Jerusalem")
	if tz, err := time.LoadLocation(name); err == nil {
		return tz
	}
	return time.UTC
}

// Query runs the full state machine for one question. A fatal step error
// produces a user-visible failure answer rather than an HTTP error; the
// partial cost is still billed to the conversation.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, apierr.InvalidInput("empty_question", fmt.Errorf("question is required"))
	}

	snapshot := e.meter.SessionTotal()

	conv, history, err := e.loadConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if _, err := e.convs.Append(ctx, conv.ID, "user", question, nil, 0); err != nil {
		e.log.Warn("user message append failed", "conversation_id", conv.ID, "error", err)
	}

	answer, blocks, srcs, runErr := e.run(ctx, conv.ID.String(), question, history, req)
	cost := e.meter.SnapshotDelta(snapshot)
	if runErr != nil {
		e.log.Error("query failed", "conversation_id", conv.ID, "error", runErr)
		answer = "Sorry, I encountered an error: " + shortReason(runErr)
		blocks = nil
		srcs = nil
	}

	richJSON := marshalBlocks(blocks)
	if _, err := e.convs.Append(ctx, conv.ID, "assistant", answer, richJSON, cost); err != nil {
		e.log.Warn("assistant message append failed", "conversation_id", conv.ID, "error", err)
	}

	return &QueryResponse{
		Answer:         answer,
		RichContent:    blocks,
		Sources:        srcs,
		ConversationID: conv.ID.String(),
		CostUSD:        cost,
	}, nil
}

func (e *Engine) loadConversation(ctx context.Context, id string) (*types.Conversation, []types.ConversationMessage, error) {
	if id == "" {
		conv, err := e.convs.Create(ctx, "")
		return conv, nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, nil, apierr.InvalidInput("bad_conversation_id", err)
	}
	conv, err := e.convs.Get(ctx, parsed)
	if err != nil {
		return nil, nil, err
	}
	history, err := e.convs.Recent(ctx, parsed, 10)
	if err != nil {
		e.log.Warn("history load failed", "conversation_id", id, "error", err)
		history = nil
	}
	return conv, history, nil
}

// run executes Condense through PostProcess and returns the raw pieces.
func (e *Engine) run(ctx context.Context, convID, question string, history []types.ConversationMessage, req QueryRequest) (string, []RichBlock, []Source, error) {
	condensed, err := e.condense(ctx, convID, question, history)
	if err != nil {
		return "", nil, nil, err
	}

	personIDs := e.resolver.resolve(ctx, condensed)
	intents := classifyIntents(condensed, len(personIDs) > 0)
	e.log.Debug("query classified",
		"condensed", condensed, "intents", intents, "persons", personIDs)

	expandedPersons, facts, threadIDs := e.expand(ctx, personIDs, intents)

	candidates, err := e.retrieve(ctx, condensed, req, intents, expandedPersons, threadIDs)
	if err != nil {
		return "", nil, nil, err
	}

	reranked, err := retryOnce(func() ([]qdrant.ScoredPoint, error) {
		return e.reranker.Rerank(ctx,
			e.settings.GetString("rag.rerank_url", ""),
			condensed, candidates,
			e.settings.GetFloat("rag.min_score", 0))
	})
	if err != nil {
		// Fused order is a valid fallback; losing rerank should not lose
		// the answer.
		e.log.Warn("rerank failed, using fusion order", "error", err)
		reranked = candidates
	}

	answer, err := e.synthesize(ctx, convID, question, facts, reranked)
	if err != nil {
		return "", nil, nil, err
	}

	processor := NewRichProcessor(e.log, filepath.Join(e.mediaDir, "events"), e.timezone())
	visible, blocks := processor.Process(answer, reranked)
	return visible, blocks, sourcesOf(reranked), nil
}

const condenseSystemPrompt = `Rewrite the user's latest question as a fully standalone question, resolving pronouns and references from the conversation history. Preserve the original language. Return only the rewritten question.`

func (e *Engine) condense(ctx context.Context, convID, question string, history []types.ConversationMessage) (string, error) {
	if len(history) == 0 {
		return question, nil
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("latest question: ")
	b.WriteString(question)

	condensed, err := retryOnce(func() (string, error) {
		return e.llm.GenerateText(ctx, condenseSystemPrompt, b.String(),
			llm.WithConversation(convID), llm.WithRequestContext("condense"))
	})
	if err != nil {
		return "", err
	}
	condensed = strings.TrimSpace(condensed)
	if condensed == "" {
		return question, nil
	}
	return condensed, nil
}

// expand applies intent-gated graph expansion: family edges widen the person
// set, PERSON_FACTS pulls facts for prompt injection, asset intents collect
// neighboring thread ids.
func (e *Engine) expand(ctx context.Context, personIDs []int64, intents []QueryIntent) ([]int64, []types.Fact, []string) {
	expanded := append([]int64{}, personIDs...)

	if hasIntent(intents, IntentFamilyContext) {
		seen := map[int64]bool{}
		for _, id := range personIDs {
			seen[id] = true
		}
		for _, id := range personIDs {
			edges, err := e.graph.RelationshipsOf(ctx, id)
			if err != nil {
				e.log.Warn("family expansion failed", "person_id", id, "error", err)
				continue
			}
			for _, edge := range edges {
				if !familyRelationTypes[edge.Type] {
					continue
				}
				for _, pid := range []int64{edge.PersonA, edge.PersonB} {
					if !seen[pid] {
						seen[pid] = true
						expanded = append(expanded, pid)
					}
				}
			}
		}
	}

	var facts []types.Fact
	if hasIntent(intents, IntentPersonFacts) {
		for _, id := range expanded {
			personFacts, err := e.graph.FactsFor(ctx, id)
			if err != nil {
				e.log.Warn("fact injection failed", "person_id", id, "error", err)
				continue
			}
			facts = append(facts, personFacts...)
		}
	}

	var threadIDs []string
	if hasIntent(intents, IntentAssetThread) || hasIntent(intents, IntentAssetAttachment) || hasIntent(intents, IntentCrossChannel) {
		seen := map[string]bool{}
		for _, id := range personIDs {
			links, err := e.graph.AssetsOf(ctx, id, 50)
			if err != nil {
				e.log.Warn("asset expansion failed", "person_id", id, "error", err)
				continue
			}
			for _, link := range links {
				neighbors, err := e.graph.NeighborsOf(ctx, link.AssetRef)
				if err != nil {
					continue
				}
				for _, ref := range neighbors {
					if !seen[ref] {
						seen[ref] = true
						threadIDs = append(threadIDs, ref)
					}
				}
			}
		}
	}
	return expanded, facts, threadIDs
}

func (e *Engine) retrieve(ctx context.Context, condensed string, req QueryRequest, intents []QueryIntent, personIDs []int64, threadIDs []string) ([]qdrant.ScoredPoint, error) {
	k := req.K
	if k <= 0 {
		k = e.settings.GetInt("rag.default_k", 15)
	}

	embeddings, err := retryOnce(func() ([][]float32, error) {
		return e.llm.Embed(ctx, []string{condensed})
	})
	if err != nil {
		return nil, err
	}
	dense := embeddings[0]
	sparseQuery := sparse.EncodeQuery(condensed)

	filter := qdrant.Intersect(userFilter(req.Filters), e.intentFilter(intents, personIDs, threadIDs))
	points, err := retryOnce(func() ([]qdrant.ScoredPoint, error) {
		return e.vectors.Search(ctx, dense, sparseQuery, k, filter)
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// userFilter renders UI-level filters; these apply unconditionally.
func userFilter(f Filters) *qdrant.Filter {
	out := qdrant.NewFilter()
	if f.ChatName != "" {
		out.Eq(qdrant.FieldChatName, f.ChatName)
	}
	if f.Sender != "" {
		out.Eq(qdrant.FieldSender, f.Sender)
	}
	if f.FilterDays > 0 {
		since := time.Now().AddDate(0, 0, -f.FilterDays).Unix()
		out.Range(qdrant.FieldTimestamp, &since, nil)
	}
	return out
}

// intentFilter narrows retrieval by resolved persons or expanded threads.
func (e *Engine) intentFilter(intents []QueryIntent, personIDs []int64, threadIDs []string) *qdrant.Filter {
	out := qdrant.NewFilter()
	if len(personIDs) > 0 && (hasIntent(intents, IntentPersonHistory) || hasIntent(intents, IntentFamilyContext)) {
		out.InInt64(qdrant.FieldPersonIDs, personIDs)
	}
	if len(threadIDs) > 0 && (hasIntent(intents, IntentAssetThread) || hasIntent(intents, IntentAssetAttachment) || hasIntent(intents, IntentCrossChannel)) {
		anyOf := make([]any, 0, len(threadIDs))
		for _, id := range threadIDs {
			anyOf = append(anyOf, id)
		}
		out.In(qdrant.FieldThreadID, anyOf)
	}
	return out
}

func (e *Engine) synthesize(ctx context.Context, convID, question string, facts []types.Fact, contexts []qdrant.ScoredPoint) (string, error) {
	tz := e.timezone()
	now := time.Now().In(tz)

	var sys strings.Builder
	sys.WriteString("You are a personal archive assistant. The current local date and time is ")
	sys.WriteString(now.Format("Monday, 2 January 2006 15:04"))
	sys.WriteString(" (")
	sys.WriteString(tz.String())
	sys.WriteString(").\n")
	sys.WriteString("Answer directly when the question needs no archive context; ground every archive-based claim in the provided sources, citing them as [S<n>] with a short quoted snippet and timestamp. Reply in the language of the question.\n")
	sys.WriteString("To propose a calendar entry, emit a [CREATE_EVENT]...[/CREATE_EVENT] block with title/start and optional end/location/description lines.")

	var user strings.Builder
	if len(facts) > 0 {
		user.WriteString("Known facts:\n")
		for _, f := range facts {
			fmt.Fprintf(&user, "- person %d: %s = %s (confidence %.1f)\n", f.PersonID, f.Key, f.Value, f.Confidence)
		}
		user.WriteString("\n")
	}
	if len(contexts) > 0 {
		user.WriteString("Archive context:\n")
		for i, c := range contexts {
			p := c.Payload
			label := p.Sender
			if label == "" {
				label = p.Source
			}
			ts := time.Unix(p.Timestamp, 0).In(tz).Format("2006-01-02 15:04")
			fmt.Fprintf(&user, "[S%d] %s in %s at %s: %s\n", i+1, label, p.ChatName, ts, p.Text)
		}
		user.WriteString("\n")
	}
	user.WriteString("Question: ")
	user.WriteString(question)

	return retryOnce(func() (string, error) {
		return e.llm.GenerateText(ctx, sys.String(), user.String(),
			llm.WithConversation(convID), llm.WithRequestContext("synthesis"))
	})
}

// Search is raw retrieval without synthesis, for /rag/search.
func (e *Engine) Search(ctx context.Context, query string, filters Filters, k int) ([]Source, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apierr.InvalidInput("empty_query", fmt.Errorf("query is required"))
	}
	if k <= 0 {
		k = e.settings.GetInt("rag.default_k", 15)
	}
	embeddings, err := retryOnce(func() ([][]float32, error) {
		return e.llm.Embed(ctx, []string{query})
	})
	if err != nil {
		return nil, err
	}
	points, err := e.vectors.Search(ctx, embeddings[0], sparse.EncodeQuery(query), k, userFilter(filters))
	if err != nil {
		return nil, err
	}
	return sourcesOf(points), nil
}

func sourcesOf(points []qdrant.ScoredPoint) []Source {
	out := make([]Source, len(points))
	for i, p := range points {
		out[i] = Source{
			ID:        p.ID,
			Score:     p.Score,
			Sender:    p.Payload.Sender,
			ChatName:  p.Payload.ChatName,
			Content:   p.Payload.Text,
			Timestamp: p.Payload.Timestamp,
		}
	}
	return out
}

func shortReason(err error) string {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return strings.ReplaceAll(apiErr.Code, "_", " ")
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}

func marshalBlocks(blocks []RichBlock) []byte {
	if len(blocks) == 0 {
		return nil
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return nil
	}
	return raw
}
