package identity

import (
	"fmt"

	"github.com/recallhq/recall-backend/internal/platform/qdrant"
	"github.com/recallhq/recall-backend/internal/tasks"
)

// TaskExtract runs fact extraction for one ingested source.
const TaskExtract = "identity.extract"

// ExtractHandler is the queue-facing wrapper around the Extractor. Dedup
// lives in the extraction log, so re-delivery is harmless.
type ExtractHandler struct {
	extractor *Extractor
	vectors   qdrant.Store
}

func NewExtractHandler(e *Extractor, vectors qdrant.Store) *ExtractHandler {
	return &ExtractHandler{extractor: e, vectors: vectors}
}

func (h *ExtractHandler) Type() string { return TaskExtract }

func (h *ExtractHandler) Run(tc *tasks.Context) error {
	sourceRef := tc.String("source_ref")
	text := tc.String("text")
	if sourceRef == "" || text == "" {
		return fmt.Errorf("extract task requires source_ref and text")
	}
	count, mentioned, err := h.extractor.Extract(tc.Ctx(), sourceRef, tc.String("source_type"), text)
	if err != nil {
		return err
	}
	if count > 0 {
		tc.Log().Info("facts extracted", "source_ref", sourceRef, "count", count)
	}
	if len(mentioned) > 0 {
		if err := h.tagChunks(tc, sourceRef, mentioned); err != nil {
			// The graph writes already landed; a payload tag miss only costs
			// filter precision on this source.
			tc.Log().Warn("chunk person tagging failed", "source_ref", sourceRef, "error", err)
		}
	}
	return nil
}

// tagChunks writes the extracted person ids into the mentioned_person_ids
// payload of every chunk for the source, so person-gated retrieval filters
// match content ingested before its facts were known.
func (h *ExtractHandler) tagChunks(tc *tasks.Context, sourceRef string, mentioned []int64) error {
	if h.vectors == nil {
		return nil
	}
	// asset_id is the item-level key; split chunks carry suffixed source_ids.
	filter := qdrant.NewFilter().Eq(qdrant.FieldAssetID, sourceRef)
	offset := ""
	for {
		points, next, err := h.vectors.Scroll(tc.Ctx(), offset, 64, filter)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			break
		}
		ids := make([]string, len(points))
		for i, pt := range points {
			ids[i] = pt.ID
		}
		merged := mergeIDs(points[0].Payload.MentionedPersonIDs, mentioned)
		err = h.vectors.SetPayload(tc.Ctx(), ids, map[string]any{
			qdrant.FieldMentionedPersonIDs: merged,
		})
		if err != nil {
			return err
		}
		if next == "" {
			break
		}
		offset = next
	}
	return nil
}

func mergeIDs(existing, add []int64) []int64 {
	seen := make(map[int64]bool, len(existing)+len(add))
	out := make([]int64, 0, len(existing)+len(add))
	for _, id := range append(existing, add...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
