package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recallhq/recall-backend/internal/identity"
	"github.com/recallhq/recall-backend/internal/platform/llm"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
	"github.com/recallhq/recall-backend/internal/platform/sparse"
	"github.com/recallhq/recall-backend/internal/redact"
	"github.com/recallhq/recall-backend/internal/types"
)

// fakeVectorStore records upserts and answers dedup checks from them. Like
// the real store it keys dedup on asset_id, the bare source id every chunk
// of a split item shares.
type fakeVectorStore struct {
	points  map[string]qdrant.Point
	byAsset map[string]bool
	upserts int
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{points: map[string]qdrant.Point{}, byAsset: map[string]bool{}}
}

func (f *fakeVectorStore) EnsureCollection(context.Context) error { return nil }

func (f *fakeVectorStore) Upsert(_ context.Context, points []qdrant.Point) error {
	f.upserts++
	for _, p := range points {
		f.points[p.ID] = p
		f.byAsset[p.Payload.AssetID] = true
	}
	return nil
}

func (f *fakeVectorStore) HasSourceID(_ context.Context, sourceID string) (bool, error) {
	return f.byAsset[sourceID], nil
}

func (f *fakeVectorStore) Search(context.Context, []float32, sparse.Vector, int, *qdrant.Filter) ([]qdrant.ScoredPoint, error) {
	return nil, nil
}

func (f *fakeVectorStore) Scroll(context.Context, string, int, *qdrant.Filter) ([]qdrant.ScoredPoint, string, error) {
	out := make([]qdrant.ScoredPoint, 0, len(f.points))
	for id, p := range f.points {
		out = append(out, qdrant.ScoredPoint{ID: id, Payload: p.Payload})
	}
	return out, "", nil
}

func (f *fakeVectorStore) SetPayload(context.Context, []string, map[string]any) error { return nil }
func (f *fakeVectorStore) DeleteByFilter(context.Context, *qdrant.Filter) error       { return nil }

func (f *fakeVectorStore) DeleteByIDs(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.points, id)
	}
	f.byAsset = map[string]bool{}
	for _, p := range f.points {
		f.byAsset[p.Payload.AssetID] = true
	}
	return nil
}
func (f *fakeVectorStore) CollectionStats(context.Context, []string) (qdrant.Stats, error) {
	return qdrant.Stats{}, nil
}
func (f *fakeVectorStore) Ping(context.Context) error { return nil }

// fakeLLM returns fixed-size embeddings and canned chat output.
type fakeLLM struct {
	embedCalls int
}

func (f *fakeLLM) GenerateText(context.Context, string, string, ...llm.CallOption) (string, error) {
	return `{"facts":[],"relationships":[]}`, nil
}

func (f *fakeLLM) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.embedCalls++
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *fakeLLM) Transcribe(context.Context, string, string) (string, error) { return "", nil }
func (f *fakeLLM) RegisterObserver(llm.CallObserver)                          {}

type fakeEnqueuer struct {
	calls []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, queue, task string, args map[string]any) error {
	f.calls = append(f.calls, queue+"/"+task)
	return nil
}

func newTestGraph(t *testing.T) (*identity.Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:ingest_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&types.Person{}, &types.Fact{}, &types.Relationship{},
		&types.PersonAsset{}, &types.AssetEdge{}, &types.Extraction{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, _ := logger.New("development")
	return identity.NewStore(db, log), db
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeVectorStore, *fakeLLM, *fakeEnqueuer) {
	t.Helper()
	p, vectors, client, queue, _ := newTestPipelineDB(t)
	return p, vectors, client, queue
}

func newTestPipelineDB(t *testing.T) (*Pipeline, *fakeVectorStore, *fakeLLM, *fakeEnqueuer, *gorm.DB) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	vectors := newFakeVectorStore()
	client := &fakeLLM{}
	queue := &fakeEnqueuer{}
	graph, db := newTestGraph(t)
	p := NewPipeline(log, Config{RedactEnabled: true}, vectors, client, redact.New(log), graph, queue)
	return p, vectors, client, queue, db
}

func TestIngestDedupSkipsSecondCall(t *testing.T) {
	p, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	item := SourceItem{
		Text:           "I live in Haifa and work at Acme.",
		Source:         "whatsapp",
		SourceNativeID: "chat1:1700000000",
		ContentType:    "text",
		Sender:         "Alice",
		SenderPhone:    "+972-50-123-4567",
	}
	first, err := p.Ingest(ctx, item)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Skipped || first.ChunkCount != 1 {
		t.Fatalf("first ingest should write one chunk: %+v", first)
	}

	second, err := p.Ingest(ctx, item)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("second ingest of the same source_id should be skipped")
	}
	if vectors.upserts != 1 {
		t.Fatalf("dedup should prevent a second upsert, got %d", vectors.upserts)
	}
}

func TestIngestRedactsStoredText(t *testing.T) {
	p, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, SourceItem{
		Text:           "my number is +972-50-123-4567, I live in Haifa",
		Source:         "whatsapp",
		SourceNativeID: "m1",
		ContentType:    "text",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	for _, pt := range vectors.points {
		if strings.Contains(pt.Payload.Text, "123-4567") {
			t.Fatalf("stored text must be redacted: %q", pt.Payload.Text)
		}
		if !strings.Contains(pt.Payload.Text, "<PHONE_NUMBER>") {
			t.Fatalf("stored text should carry the placeholder: %q", pt.Payload.Text)
		}
	}
}

func TestIngestCarriesBothVectors(t *testing.T) {
	p, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, SourceItem{
		Text:           "I moved to Berlin last year and my sister lives there too.",
		Source:         "whatsapp",
		SourceNativeID: "m2",
		ContentType:    "text",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	for _, pt := range vectors.points {
		if len(pt.Dense) == 0 {
			t.Fatalf("point missing dense vector")
		}
		if len(pt.Sparse.Indices) == 0 {
			t.Fatalf("point missing sparse vector")
		}
	}
}

func TestIngestChunksLongText(t *testing.T) {
	p, vectors, client, _ := newTestPipeline(t)
	ctx := context.Background()

	paragraph := strings.Repeat("this is normal sentence content here. ", 30)
	var sb strings.Builder
	for i := 0; i < 12; i++ {
		sb.WriteString(paragraph)
		sb.WriteString("\n\n")
	}
	res, err := p.Ingest(ctx, SourceItem{
		Text:           sb.String(),
		Source:         "paperless",
		SourceNativeID: "doc9",
		ContentType:    "document",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ChunkCount < 2 {
		t.Fatalf("long document should chunk, got %d", res.ChunkCount)
	}
	if len(vectors.points) != res.ChunkCount {
		t.Fatalf("points written: want=%d got=%d", res.ChunkCount, len(vectors.points))
	}
	if client.embedCalls == 0 {
		t.Fatalf("embedding should be called")
	}

	groups := map[string]bool{}
	for _, pt := range vectors.points {
		if pt.Payload.ChunkTotal != res.ChunkCount {
			t.Fatalf("chunk_total mismatch: %d vs %d", pt.Payload.ChunkTotal, res.ChunkCount)
		}
		groups[pt.Payload.ChunkGroupID] = true
	}
	if len(groups) != 1 {
		t.Fatalf("all chunks share one chunk_group_id, got %v", groups)
	}
}

func TestRefreshReplacesStaleChunks(t *testing.T) {
	p, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	paragraph := strings.Repeat("this is normal sentence content here. ", 30)
	var sb strings.Builder
	for i := 0; i < 12; i++ {
		sb.WriteString(paragraph)
		sb.WriteString("\n\n")
	}
	first, err := p.Ingest(ctx, SourceItem{
		Text:           sb.String(),
		Source:         "paperless",
		SourceNativeID: "doc4",
		ContentType:    "document",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if first.ChunkCount < 2 {
		t.Fatalf("setup needs a multi-chunk document, got %d", first.ChunkCount)
	}

	// The edited document shrinks to one chunk. A plain re-ingest would dedup
	// and keep the old content; Refresh replaces it.
	refreshed, err := p.Refresh(ctx, SourceItem{
		Text:           "the document was trimmed down to this single paragraph of content.",
		Source:         "paperless",
		SourceNativeID: "doc4",
		ContentType:    "document",
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Skipped {
		t.Fatalf("refresh must not dedup against the stale version")
	}
	if refreshed.ChunkCount != 1 {
		t.Fatalf("refreshed document should be one chunk, got %d", refreshed.ChunkCount)
	}
	if len(vectors.points) != 1 {
		t.Fatalf("stale chunks should be gone, %d points remain", len(vectors.points))
	}
	for _, pt := range vectors.points {
		if !strings.Contains(pt.Payload.Text, "trimmed down") {
			t.Fatalf("surviving point should hold the new content: %q", pt.Payload.Text)
		}
	}
}

func TestExtractionDispatchHeuristics(t *testing.T) {
	p, _, _, queue := newTestPipeline(t)
	ctx := context.Background()

	// Too short, no fact pattern: no dispatch.
	res, err := p.Ingest(ctx, SourceItem{
		Text: "ok thanks", Source: "whatsapp", SourceNativeID: "s1", ContentType: "text",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Dispatched {
		t.Fatalf("short chatter should not dispatch extraction")
	}

	// Fact-bearing message: dispatch.
	res, err = p.Ingest(ctx, SourceItem{
		Text: "I work at Initech and I live in Ramat Gan", Source: "whatsapp", SourceNativeID: "s2", ContentType: "text",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Dispatched {
		t.Fatalf("fact-bearing message should dispatch extraction")
	}

	// Documents bypass the heuristic.
	res, err = p.Ingest(ctx, SourceItem{
		Text: "quarterly report contents", Source: "paperless", SourceNativeID: "s3", ContentType: "document",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Dispatched {
		t.Fatalf("documents should bypass the extraction heuristic")
	}

	for _, call := range queue.calls {
		if !strings.HasPrefix(call, "default/") {
			t.Fatalf("extraction tasks go on the default queue, got %q", call)
		}
	}
}

func TestIngestLinksSenderInGraph(t *testing.T) {
	p, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, SourceItem{
		Text:           "I am getting married in June!",
		Source:         "whatsapp",
		SourceNativeID: "m7",
		ContentType:    "text",
		Sender:         "Noa",
		SenderPhone:    "+972-52-000-1111",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	person, err := p.graph.FindOrCreatePerson(ctx, "Noa", identity.Identifiers{Phone: "+972-52-000-1111"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assets, err := p.graph.AssetsOf(ctx, person.ID, 10)
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 1 || assets[0].Role != types.RoleSender {
		t.Fatalf("sender should be linked to the asset: %+v", assets)
	}

	for _, pt := range vectors.points {
		if len(pt.Payload.PersonIDs) != 1 || pt.Payload.PersonIDs[0] != person.ID {
			t.Fatalf("payload should carry the sender's person id: %+v", pt.Payload.PersonIDs)
		}
	}
}

func TestIngestSuffixesChunkSourceIDs(t *testing.T) {
	p, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	paragraph := strings.Repeat("this is normal sentence content here. ", 30)
	var sb strings.Builder
	for i := 0; i < 12; i++ {
		sb.WriteString(paragraph)
		sb.WriteString("\n\n")
	}
	item := SourceItem{
		Text:           sb.String(),
		Source:         "paperless",
		SourceNativeID: "doc11",
		ContentType:    "document",
	}
	res, err := p.Ingest(ctx, item)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ChunkCount < 2 {
		t.Fatalf("setup needs a multi-chunk document, got %d", res.ChunkCount)
	}

	sourceIDs := map[string]bool{}
	for _, pt := range vectors.points {
		if sourceIDs[pt.Payload.SourceID] {
			t.Fatalf("duplicate payload source_id %q", pt.Payload.SourceID)
		}
		sourceIDs[pt.Payload.SourceID] = true
		want := fmt.Sprintf("paperless:doc11:%d", pt.Payload.ChunkIndex)
		if pt.Payload.SourceID != want {
			t.Fatalf("chunk source_id: want=%q got=%q", want, pt.Payload.SourceID)
		}
		if pt.Payload.AssetID != "paperless:doc11" {
			t.Fatalf("all chunks share the bare asset_id, got %q", pt.Payload.AssetID)
		}
	}
	if len(sourceIDs) != res.ChunkCount {
		t.Fatalf("source_ids: want=%d got=%d", res.ChunkCount, len(sourceIDs))
	}

	// Dedup still keys on the item, not the per-chunk ids.
	second, err := p.Ingest(ctx, item)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("re-ingest of a chunked item should be skipped")
	}
}

func TestIngestAddsParticipantsToPersonIDs(t *testing.T) {
	p, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, SourceItem{
		Text:           "Recording of our planning call from Tuesday.",
		Source:         "call_recording",
		SourceNativeID: "rec3",
		ContentType:    "voice",
		Sender:         "Noa",
		SenderPhone:    "+972-52-000-1111",
		Participants:   []string{"Dana", "Yossi"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	want := map[int64]bool{}
	sender, err := p.graph.FindOrCreatePerson(ctx, "Noa", identity.Identifiers{Phone: "+972-52-000-1111"})
	if err != nil {
		t.Fatalf("resolve sender: %v", err)
	}
	want[sender.ID] = true
	for _, name := range []string{"Dana", "Yossi"} {
		person, err := p.graph.FindOrCreatePerson(ctx, name, identity.Identifiers{})
		if err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
		want[person.ID] = true
	}

	for _, pt := range vectors.points {
		if len(pt.Payload.PersonIDs) != len(want) {
			t.Fatalf("person_ids should carry sender and participants: %+v", pt.Payload.PersonIDs)
		}
		for _, id := range pt.Payload.PersonIDs {
			if !want[id] {
				t.Fatalf("unexpected person id %d in %+v", id, pt.Payload.PersonIDs)
			}
		}
	}
}

func TestIngestRecordsReplyParentEdge(t *testing.T) {
	p, _, _, _, db := newTestPipelineDB(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, SourceItem{
		Text:           "Replying to your question about the lease.",
		Source:         "whatsapp",
		SourceNativeID: "chat1:1700000500",
		ContentType:    "text",
		ParentNativeID: "chat1:1700000100",
		ParentRelation: types.RelationReplyTo,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var edge types.AssetEdge
	err = db.Where("src_asset_ref = ? AND dst_asset_ref = ?",
		"whatsapp:chat1:1700000500", "whatsapp:chat1:1700000100").First(&edge).Error
	if err != nil {
		t.Fatalf("parent edge missing: %v", err)
	}
	if edge.Relation != types.RelationReplyTo {
		t.Fatalf("quoted replies record reply_to, got %q", edge.Relation)
	}

	// Without an explicit relation the parent defaults to attachment_of.
	_, err = p.Ingest(ctx, SourceItem{
		Text:           "photo caption",
		Source:         "whatsapp",
		SourceNativeID: "chat1:1700000600",
		ContentType:    "image",
		ParentNativeID: "chat1:1700000100",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	err = db.Where("src_asset_ref = ?", "whatsapp:chat1:1700000600").First(&edge).Error
	if err != nil {
		t.Fatalf("attachment edge missing: %v", err)
	}
	if edge.Relation != types.RelationAttachmentOf {
		t.Fatalf("default parent relation is attachment_of, got %q", edge.Relation)
	}
}
