// Package ingest turns raw source items from channel plugins into redacted,
// chunked, dual-vector points in the vector store, and derives graph links
// as a side effect.
package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/recallhq/recall-backend/internal/identity"
	"github.com/recallhq/recall-backend/internal/platform/llm"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
	"github.com/recallhq/recall-backend/internal/platform/sparse"
	"github.com/recallhq/recall-backend/internal/redact"
	"github.com/recallhq/recall-backend/internal/types"
)

// SourceItem is one logical unit arriving from a channel: a message, an
// email, a document, a call recording transcript.
type SourceItem struct {
	Text           string
	Source         string
	SourceNativeID string
	ContentType    string

	Sender      string
	SenderPhone string
	SenderEmail string
	SenderWAID  string

	ChatID       string
	ChatName     string
	IsGroup      bool
	Timestamp    int64
	Language     string
	Participants []string

	HasMedia  bool
	MediaType string
	MediaURL  string
	MediaPath string

	ThreadID       string
	ParentNativeID string
	// ParentRelation distinguishes why the parent exists: a quoted reply
	// versus a media attachment. Empty means attachment_of.
	ParentRelation types.AssetRelation

	Extra map[string]string
}

// SourceID is the global dedup key for an item.
func (it SourceItem) SourceID() string {
	return it.Source + ":" + it.SourceNativeID
}

// TaskEnqueuer decouples the pipeline from the task runtime. The pipeline
// only ever enqueues; it never consumes.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, queue string, task string, args map[string]any) error
}

// Result reports what a single Ingest call did.
type Result struct {
	SourceID   string `json:"source_id"`
	Skipped    bool   `json:"skipped"`
	ChunkCount int    `json:"chunk_count"`
	Dispatched bool   `json:"extraction_dispatched"`
}

type Config struct {
	MaxChunkChars  int
	EmbedBatchSize int
	RedactEnabled  bool
}

func (c *Config) applyDefaults() {
	if c.MaxChunkChars <= 0 {
		c.MaxChunkChars = defaultMaxChunkChars
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 64
	}
}

type Pipeline struct {
	log      *logger.Logger
	cfg      Config
	vectors  qdrant.Store
	llm      llm.Client
	redactor *redact.Redactor
	graph    *identity.Store
	tasks    TaskEnqueuer

	mu       sync.RWMutex
	policies map[string]redact.Policy
}

func NewPipeline(
	log *logger.Logger,
	cfg Config,
	vectors qdrant.Store,
	client llm.Client,
	redactor *redact.Redactor,
	graph *identity.Store,
	tasks TaskEnqueuer,
) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		log:      log.With("service", "IngestPipeline"),
		cfg:      cfg,
		vectors:  vectors,
		llm:      client,
		redactor: redactor,
		graph:    graph,
		tasks:    tasks,
		policies: map[string]redact.Policy{},
	}
}

// SetPolicy installs a per-channel redaction policy. Channels without one
// use the default policy.
func (p *Pipeline) SetPolicy(source string, policy redact.Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[source] = policy
}

func (p *Pipeline) policyFor(source string) redact.Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if policy, ok := p.policies[source]; ok {
		return policy
	}
	return redact.DefaultPolicy()
}

// Ingest runs the full pipeline for one item: dedup, redact, chunk, graph
// derivation, embed, upsert, extraction dispatch. Graph failures are logged
// and never fail the ingest; vector-store and embedding failures do.
func (p *Pipeline) Ingest(ctx context.Context, item SourceItem) (*Result, error) {
	sourceID := item.SourceID()
	if item.Source == "" || item.SourceNativeID == "" {
		return nil, fmt.Errorf("source and source_native_id are required")
	}

	exists, err := p.vectors.HasSourceID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if exists {
		p.log.Debug("item already ingested", "source_id", sourceID)
		return &Result{SourceID: sourceID, Skipped: true}, nil
	}

	storedText := item.Text
	embedText := item.Text
	if p.cfg.RedactEnabled {
		policy := p.policyFor(item.Source)
		storedText, _ = p.redactor.Apply(item.Text, policy)
		embedText = p.redactor.ForEmbedding(item.Text, policy)
	}

	storedChunks := SplitText(storedText, p.cfg.MaxChunkChars)
	embedChunks := SplitText(embedText, p.cfg.MaxChunkChars)
	if len(storedChunks) == 0 {
		p.log.Debug("no embeddable text", "source_id", sourceID)
		return &Result{SourceID: sourceID, Skipped: true}, nil
	}
	// Redaction actions can shift split points. The stored text is what the
	// retrieval engine displays, so it drives chunk boundaries; embedding
	// text falls back to stored when the counts diverge.
	if len(embedChunks) != len(storedChunks) {
		embedChunks = storedChunks
	}

	personIDs := p.deriveGraph(ctx, item, sourceID, len(storedChunks))

	dense, err := p.embedBatched(ctx, embedChunks)
	if err != nil {
		return nil, err
	}

	points := make([]qdrant.Point, len(storedChunks))
	for i, chunk := range storedChunks {
		payload := qdrant.ChunkPayload{
			SourceID:    chunkSourceID(sourceID, chunk),
			Source:      item.Source,
			ContentType: item.ContentType,
			Text:        chunk.Text,
			Sender:      item.Sender,
			ChatID:      item.ChatID,
			ChatName:    item.ChatName,
			IsGroup:     item.IsGroup,
			Timestamp:   item.Timestamp,
			Language:    item.Language,
			HasMedia:    item.HasMedia,
			MediaType:   item.MediaType,
			MediaURL:    item.MediaURL,
			MediaPath:   item.MediaPath,
			AssetID:     sourceID,
			ThreadID:    item.ThreadID,
			PersonIDs:   personIDs,
			Extra:       item.Extra,
		}
		if item.ParentNativeID != "" {
			payload.ParentAssetID = item.Source + ":" + item.ParentNativeID
		}
		if chunk.Total > 1 {
			payload.ChunkIndex = chunk.Index
			payload.ChunkTotal = chunk.Total
			payload.ChunkGroupID = sourceID
		} else {
			payload.ChunkIndex = 0
			payload.ChunkTotal = 1
		}
		points[i] = qdrant.Point{
			ID:      qdrant.PointID(payload.SourceID),
			Dense:   dense[i],
			Sparse:  sparse.EncodeDocument(embedChunks[i].Text),
			Payload: payload,
		}
	}

	if err := p.vectors.Upsert(ctx, points); err != nil {
		return nil, err
	}

	dispatched := p.dispatchExtraction(ctx, item, sourceID, storedText)
	p.log.Info("item ingested",
		"source_id", sourceID, "source", item.Source,
		"chunks", len(points), "extraction", dispatched)
	return &Result{SourceID: sourceID, ChunkCount: len(points), Dispatched: dispatched}, nil
}

// Refresh re-ingests a mutable item, such as a re-OCRed document. Existing
// chunks for the source are removed first; a shrinking edit would otherwise
// leave stale trailing chunks behind the deterministic point ids.
func (p *Pipeline) Refresh(ctx context.Context, item SourceItem) (*Result, error) {
	sourceID := item.SourceID()
	if item.Source == "" || item.SourceNativeID == "" {
		return nil, fmt.Errorf("source and source_native_id are required")
	}

	filter := qdrant.NewFilter().Eq(qdrant.FieldAssetID, sourceID)
	removed := 0
	for {
		// Scroll always restarts from the top: each batch is deleted before
		// the next read, so a cursor would skip past live points.
		points, _, err := p.vectors.Scroll(ctx, "", 256, filter)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			break
		}
		ids := make([]string, len(points))
		for i, pt := range points {
			ids[i] = pt.ID
		}
		if err := p.vectors.DeleteByIDs(ctx, ids); err != nil {
			return nil, err
		}
		removed += len(ids)
	}
	if removed > 0 {
		p.log.Info("stale chunks removed before refresh", "source_id", sourceID, "removed", removed)
	}
	return p.Ingest(ctx, item)
}

// chunkSourceID suffixes the per-chunk source_id for split items so
// source_id stays unique per point; all chunks share asset_id and
// chunk_group_id.
func chunkSourceID(sourceID string, chunk Chunk) string {
	if chunk.Total <= 1 {
		return sourceID
	}
	return fmt.Sprintf("%s:%d", sourceID, chunk.Index)
}

// deriveGraph resolves the sender and participants and records asset edges.
// Every step is best effort; failures degrade the graph, not the ingest.
// The returned ids become the chunks' person_ids payload; extraction fills
// mentioned_person_ids later.
func (p *Pipeline) deriveGraph(ctx context.Context, item SourceItem, sourceID string, chunkTotal int) (personIDs []int64) {
	if p.graph == nil {
		return nil
	}

	if item.Sender != "" || item.SenderPhone != "" || item.SenderEmail != "" || item.SenderWAID != "" {
		sender, err := p.graph.FindOrCreatePerson(ctx, item.Sender, identity.Identifiers{
			Phone:      item.SenderPhone,
			Email:      item.SenderEmail,
			WhatsappID: item.SenderWAID,
		})
		if err != nil {
			p.log.Warn("sender resolution failed", "source_id", sourceID, "error", err)
		} else {
			personIDs = append(personIDs, sender.ID)
			if err := p.graph.LinkPersonAsset(ctx, sender.ID, item.ContentType, sourceID, types.RoleSender, 1); err != nil {
				p.log.Warn("sender link failed", "source_id", sourceID, "error", err)
			}
		}
	}

	for _, name := range item.Participants {
		person, err := p.graph.FindOrCreatePerson(ctx, name, identity.Identifiers{})
		if err != nil {
			p.log.Warn("participant resolution failed", "name", name, "error", err)
			continue
		}
		personIDs = append(personIDs, person.ID)
		if err := p.graph.LinkPersonAsset(ctx, person.ID, item.ContentType, sourceID, types.RoleParticipant, 0.8); err != nil {
			p.log.Warn("participant link failed", "source_id", sourceID, "error", err)
		}
	}

	if item.ThreadID != "" {
		if err := p.graph.LinkAssets(ctx, sourceID, item.ThreadID, types.RelationThreadMember, item.Source); err != nil {
			p.log.Warn("thread edge failed", "source_id", sourceID, "error", err)
		}
	}
	if item.ParentNativeID != "" {
		parentRef := item.Source + ":" + item.ParentNativeID
		relation := item.ParentRelation
		if relation == "" {
			relation = types.RelationAttachmentOf
		}
		if err := p.graph.LinkAssets(ctx, sourceID, parentRef, relation, item.Source); err != nil {
			p.log.Warn("parent edge failed", "source_id", sourceID, "error", err)
		}
	}
	if chunkTotal > 1 {
		for i := 0; i < chunkTotal; i++ {
			chunkRef := fmt.Sprintf("%s:%d", sourceID, i)
			if err := p.graph.LinkAssets(ctx, chunkRef, sourceID, types.RelationChunkOf, item.Source); err != nil {
				p.log.Warn("chunk edge failed", "source_id", sourceID, "error", err)
			}
		}
	}
	return personIDs
}

// embedBatched calls the embedding endpoint in parallel batches and stitches
// the results back in chunk order.
func (p *Pipeline) embedBatched(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	out := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		start, end := start, end
		g.Go(func() error {
			inputs := make([]string, end-start)
			for i := start; i < end; i++ {
				inputs[i-start] = chunks[i].Text
			}
			vectors, err := p.llm.Embed(gctx, inputs)
			if err != nil {
				return err
			}
			for i, v := range vectors {
				out[start+i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// factPatternRe matches first-person statements and other fact-bearing
// shapes, in English and Hebrew.
var factPatternRe = regexp.MustCompile(`(?i)\b(i am|i'm|my |i live|i work|born|married|moved to|works at|lives in)\b|אני |שלי |נולד|גר ב|עובד ב|התחתנ`)

const minExtractionLength = 15

// dispatchExtraction enqueues an identity-extraction task when the item
// looks fact-bearing. Documents and emails always qualify. Enqueue failures
// are logged; the item is already safely ingested.
func (p *Pipeline) dispatchExtraction(ctx context.Context, item SourceItem, sourceID, text string) bool {
	if p.tasks == nil {
		return false
	}
	bypass := item.ContentType == "document" || item.Source == "gmail" || item.Source == "paperless"
	if !bypass {
		if len(strings.TrimSpace(text)) < minExtractionLength {
			return false
		}
		if !factPatternRe.MatchString(text) {
			return false
		}
	}
	err := p.tasks.Enqueue(ctx, "default", "identity.extract", map[string]any{
		"source_ref":  sourceID,
		"source_type": item.ContentType,
		"text":        text,
	})
	if err != nil {
		p.log.Warn("extraction dispatch failed", "source_id", sourceID, "error", err)
		return false
	}
	return true
}
