package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/recallhq/recall-backend/internal/platform/llm"
	"github.com/recallhq/recall-backend/internal/tasks"
)

const (
	// TaskIngestItem ingests one serialized SourceItem.
	TaskIngestItem = "ingest.item"
	// TaskTranscribe transcribes an audio file and ingests the transcript.
	// Runs on the heavy queue.
	TaskTranscribe = "ingest.transcribe"
)

// EnqueueItem serializes a SourceItem onto the given queue. This is the
// webhook-to-queue handoff: webhooks validate and enqueue, tasks do the
// actual work.
func EnqueueItem(ctx context.Context, q TaskEnqueuer, queue string, item SourceItem) error {
	return enqueue(ctx, q, queue, item, false)
}

// EnqueueRefresh is EnqueueItem for mutable sources: the worker replaces any
// existing chunks instead of deduping against them.
func EnqueueRefresh(ctx context.Context, q TaskEnqueuer, queue string, item SourceItem) error {
	return enqueue(ctx, q, queue, item, true)
}

func enqueue(ctx context.Context, q TaskEnqueuer, queue string, item SourceItem, refresh bool) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return err
	}
	args := map[string]any{"item": asMap}
	if refresh {
		args["refresh"] = true
	}
	return q.Enqueue(ctx, queue, TaskIngestItem, args)
}

func itemFromArgs(args map[string]any) (SourceItem, error) {
	rawItem, ok := args["item"]
	if !ok {
		return SourceItem{}, fmt.Errorf("missing item argument")
	}
	raw, err := json.Marshal(rawItem)
	if err != nil {
		return SourceItem{}, err
	}
	var item SourceItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return SourceItem{}, err
	}
	return item, nil
}

// IngestHandler runs queued ingests. Idempotent through the pipeline's
// source_id dedup.
type IngestHandler struct {
	pipeline *Pipeline
}

func NewIngestHandler(p *Pipeline) *IngestHandler {
	return &IngestHandler{pipeline: p}
}

func (h *IngestHandler) Type() string { return TaskIngestItem }

func (h *IngestHandler) Run(tc *tasks.Context) error {
	item, err := itemFromArgs(tc.Args())
	if err != nil {
		return err
	}
	var res *Result
	if tc.Bool("refresh") {
		res, err = h.pipeline.Refresh(tc.Ctx(), item)
	} else {
		res, err = h.pipeline.Ingest(tc.Ctx(), item)
	}
	if err != nil {
		return err
	}
	if res.Skipped {
		tc.Log().Debug("queued ingest skipped", "source_id", res.SourceID)
	}
	return nil
}

// TranscribeHandler transcribes audio and feeds the transcript back through
// the pipeline. Idempotent: the source_id embeds the content hash, so a
// re-delivered task dedups at the vector store.
type TranscribeHandler struct {
	pipeline *Pipeline
	llm      llm.Client
}

func NewTranscribeHandler(p *Pipeline, client llm.Client) *TranscribeHandler {
	return &TranscribeHandler{pipeline: p, llm: client}
}

func (h *TranscribeHandler) Type() string { return TaskTranscribe }

func (h *TranscribeHandler) Run(tc *tasks.Context) error {
	mediaPath := tc.String("media_path")
	if mediaPath == "" {
		return fmt.Errorf("missing media_path argument")
	}
	sourceNativeID := tc.String("source_native_id")
	if sourceNativeID == "" {
		return fmt.Errorf("missing source_native_id argument")
	}

	transcript, err := h.llm.Transcribe(tc.Ctx(), mediaPath, tc.String("language"))
	if err != nil {
		return err
	}

	item := SourceItem{
		Text:           transcript,
		Source:         "call_recording",
		SourceNativeID: sourceNativeID,
		ContentType:    "call_recording",
		Sender:         tc.String("caller"),
		SenderPhone:    tc.String("caller_phone"),
		Timestamp:      int64(tc.Int("timestamp")),
		Language:       tc.String("language"),
		HasMedia:       true,
		MediaType:      "audio",
		MediaPath:      mediaPath,
	}
	res, err := h.pipeline.Ingest(tc.Ctx(), item)
	if err != nil {
		return err
	}
	tc.Log().Info("recording transcribed", "source_id", res.SourceID, "chunks", res.ChunkCount)
	return nil
}
