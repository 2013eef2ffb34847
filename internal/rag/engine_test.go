package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

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

// fakeSearchStore returns canned hits and remembers the last filter.
type fakeSearchStore struct {
	hits       []qdrant.ScoredPoint
	lastFilter *qdrant.Filter
	lastK      int
}

func (f *fakeSearchStore) EnsureCollection(context.Context) error { return nil }

func (f *fakeSearchStore) Upsert(context.Context, []qdrant.Point) error { return nil }

func (f *fakeSearchStore) HasSourceID(context.Context, string) (bool, error) { return false, nil }

func (f *fakeSearchStore) Search(_ context.Context, _ []float32, _ sparse.Vector, k int, filter *qdrant.Filter) ([]qdrant.ScoredPoint, error) {
	f.lastFilter = filter
	f.lastK = k
	return f.hits, nil
}

func (f *fakeSearchStore) Scroll(context.Context, string, int, *qdrant.Filter) ([]qdrant.ScoredPoint, string, error) {
	return nil, "", nil
}
func (f *fakeSearchStore) SetPayload(context.Context, []string, map[string]any) error { return nil }
func (f *fakeSearchStore) DeleteByFilter(context.Context, *qdrant.Filter) error       { return nil }
func (f *fakeSearchStore) DeleteByIDs(context.Context, []string) error                { return nil }
func (f *fakeSearchStore) CollectionStats(context.Context, []string) (qdrant.Stats, error) {
	return qdrant.Stats{}, nil
}
func (f *fakeSearchStore) Ping(context.Context) error { return nil }

// scriptedLLM replays chat answers in order and reports each call to the
// meter, the way the real client does through its observer.
type scriptedLLM struct {
	meter     *costs.Meter
	answers   []string
	calls     []string
	chatErr   error
	errorOnly string
}

func (f *scriptedLLM) GenerateText(_ context.Context, _ string, user string, opts ...llm.CallOption) (string, error) {
	f.calls = append(f.calls, user)
	if f.meter != nil {
		f.meter.OnCallComplete(llm.CallEvent{
			Provider: "openai", Model: "gpt-4o", Kind: llm.KindChat,
			InTokens: 1000, OutTokens: 500,
		})
	}
	if f.chatErr != nil && (f.errorOnly == "" || strings.Contains(user, f.errorOnly)) {
		return "", f.chatErr
	}
	if len(f.answers) == 0 {
		return "fine.", nil
	}
	out := f.answers[0]
	f.answers = f.answers[1:]
	return out, nil
}

func (f *scriptedLLM) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0.5, 0.5, 0.5}
	}
	return out, nil
}

func (f *scriptedLLM) Transcribe(context.Context, string, string) (string, error) { return "", nil }
func (f *scriptedLLM) RegisterObserver(llm.CallObserver)                          {}

type engineFixture struct {
	engine  *Engine
	vectors *fakeSearchStore
	client  *scriptedLLM
	convs   *conversations.Store
	graph   *identity.Store
	meter   *costs.Meter
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:rag_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&types.Person{}, &types.Fact{}, &types.Relationship{},
		&types.PersonAsset{}, &types.AssetEdge{}, &types.Extraction{},
		&types.Conversation{}, &types.ConversationMessage{},
		&types.Setting{}, &types.CostEvent{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, _ := logger.New("development")

	pricing, err := costs.LoadPricing()
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	meter := costs.NewMeter(db, log, pricing)
	graph := identity.NewStore(db, log)
	convs := conversations.NewStore(db, log)
	cfg := settings.NewStore(db, log)
	vectors := &fakeSearchStore{}
	client := &scriptedLLM{meter: meter}

	return &engineFixture{
		engine:  NewEngine(log, client, vectors, graph, convs, meter, cfg, t.TempDir()),
		vectors: vectors,
		client:  client,
		convs:   convs,
		graph:   graph,
		meter:   meter,
	}
}

func hit(id, text, sender, chat string, ts int64) qdrant.ScoredPoint {
	return qdrant.ScoredPoint{
		ID:    id,
		Score: 0.9,
		Payload: qdrant.ChunkPayload{
			SourceID: id, Source: "whatsapp", Text: text,
			Sender: sender, ChatName: chat, Timestamp: ts,
		},
	}
}

func TestQueryBillsCostToConversation(t *testing.T) {
	fx := newEngineFixture(t)
	fx.vectors.hits = []qdrant.ScoredPoint{hit("m1", "we met at the beach", "Alice", "Family", time.Now().Unix())}

	resp, err := fx.engine.Query(context.Background(), QueryRequest{Question: "what did we do last summer?"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.CostUSD <= 0 {
		t.Fatalf("query cost should be positive, got %f", resp.CostUSD)
	}

	convID, err := uuid.Parse(resp.ConversationID)
	if err != nil {
		t.Fatalf("conversation id: %v", err)
	}
	msgs, err := fx.convs.Messages(context.Background(), convID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("expected user+assistant messages, got %+v", msgs)
	}
	if msgs[1].CostUSD != resp.CostUSD {
		t.Fatalf("assistant message cost %f != response cost %f", msgs[1].CostUSD, resp.CostUSD)
	}
}

func TestQueryFailureStillAnswersAndBills(t *testing.T) {
	fx := newEngineFixture(t)
	fx.client.chatErr = apierr.Internal("model_exploded", fmt.Errorf("boom"))

	resp, err := fx.engine.Query(context.Background(), QueryRequest{Question: "hello there"})
	if err != nil {
		t.Fatalf("a step failure must not surface as an error: %v", err)
	}
	if !strings.HasPrefix(resp.Answer, "Sorry, I encountered an error:") {
		t.Fatalf("failure answer: %q", resp.Answer)
	}
	if len(resp.Sources) != 0 || len(resp.RichContent) != 0 {
		t.Fatalf("failure response should carry no sources or blocks")
	}
	if resp.CostUSD <= 0 {
		t.Fatalf("partial cost must still be billed, got %f", resp.CostUSD)
	}
}

func TestCondenseSkippedWithoutHistory(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.engine.Query(context.Background(), QueryRequest{Question: "where did I park?"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(fx.client.calls) != 1 {
		t.Fatalf("first turn should only call synthesis, got %d calls", len(fx.client.calls))
	}
}

func TestCondenseRunsWithHistory(t *testing.T) {
	fx := newEngineFixture(t)
	fx.client.answers = []string{"first answer", "where does Dana live?", "second answer"}

	first, err := fx.engine.Query(context.Background(), QueryRequest{Question: "tell me about Dana"})
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	_, err = fx.engine.Query(context.Background(), QueryRequest{
		Question:       "where does she live?",
		ConversationID: first.ConversationID,
	})
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if len(fx.client.calls) != 3 {
		t.Fatalf("second turn should condense then synthesize, got %d calls", len(fx.client.calls))
	}
	if !strings.Contains(fx.client.calls[1], "latest question: where does she live?") {
		t.Fatalf("condense prompt should carry the raw question: %q", fx.client.calls[1])
	}
}

func TestUserFiltersReachSearch(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.engine.Query(context.Background(), QueryRequest{
		Question: "what happened?",
		Filters:  Filters{ChatName: "Family", Sender: "Alice", FilterDays: 30},
		K:        7,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if fx.vectors.lastK != 7 {
		t.Fatalf("k should pass through, got %d", fx.vectors.lastK)
	}
	if fx.vectors.lastFilter.IsEmpty() {
		t.Fatalf("user filters must reach the search filter")
	}
}

func TestDefaultKComesFromSettings(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.engine.Query(context.Background(), QueryRequest{Question: "anything new?"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if fx.vectors.lastK != 15 {
		t.Fatalf("default k should be 15, got %d", fx.vectors.lastK)
	}
}

func TestPersonFactsInjectedIntoPrompt(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	person, err := fx.graph.FindOrCreatePerson(ctx, "Dana", identity.Identifiers{Phone: "+972-50-777-8888"})
	if err != nil {
		t.Fatalf("person: %v", err)
	}
	_, err = fx.graph.SetFact(ctx, person.ID, identity.FactInput{
		Key: "city", Value: "Haifa", Confidence: 0.9, SourceType: "whatsapp", SourceRef: "m1",
	})
	if err != nil {
		t.Fatalf("fact: %v", err)
	}

	_, err = fx.engine.Query(ctx, QueryRequest{Question: "What is the address of Dana?"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	prompt := fx.client.calls[len(fx.client.calls)-1]
	if !strings.Contains(prompt, "city = Haifa") {
		t.Fatalf("active fact should be injected into the prompt: %q", prompt)
	}
}

func TestSearchIsRawRetrieval(t *testing.T) {
	fx := newEngineFixture(t)
	fx.vectors.hits = []qdrant.ScoredPoint{hit("m9", "lease signed", "Bob", "Landlord", 1700000000)}

	out, err := fx.engine.Search(context.Background(), "lease", Filters{}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out) != 1 || out[0].Content != "lease signed" || out[0].Sender != "Bob" {
		t.Fatalf("search result: %+v", out)
	}
	if len(fx.client.calls) != 0 {
		t.Fatalf("raw search must not call the chat model")
	}
}

func TestEmptyQuestionRejected(t *testing.T) {
	fx := newEngineFixture(t)
	_, err := fx.engine.Query(context.Background(), QueryRequest{Question: "   "})
	if err == nil {
		t.Fatalf("empty question should be rejected")
	}
}
