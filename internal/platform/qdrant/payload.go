package qdrant

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/recallhq/recall-backend/internal/platform/sparse"
)

// Payload field keys referenced by filters. Keeping them as constants stops
// the ingest and query paths from drifting apart.
const (
	FieldSourceID           = "source_id"
	FieldSource             = "source"
	FieldContentType        = "content_type"
	FieldSender             = "sender"
	FieldChatID             = "chat_id"
	FieldChatName           = "chat_name"
	FieldTimestamp          = "timestamp"
	FieldAssetID            = "asset_id"
	FieldParentAssetID      = "parent_asset_id"
	FieldThreadID           = "thread_id"
	FieldChunkGroupID       = "chunk_group_id"
	FieldPersonIDs          = "person_ids"
	FieldMentionedPersonIDs = "mentioned_person_ids"
	FieldHasMedia           = "has_media"
)

// ChunkPayload is the typed payload stored on every point. Fixed fields are
// typed; plugin-custom fields go in Extra.
type ChunkPayload struct {
	SourceID    string `json:"source_id"`
	Source      string `json:"source"`
	ContentType string `json:"content_type"`
	Text        string `json:"text"`

	Sender    string `json:"sender,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	ChatName  string `json:"chat_name,omitempty"`
	IsGroup   bool   `json:"is_group,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Language  string `json:"language,omitempty"`

	HasMedia  bool   `json:"has_media,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaPath string `json:"media_path,omitempty"`

	ChunkIndex int `json:"chunk_index,omitempty"`
	ChunkTotal int `json:"chunk_total,omitempty"`

	AssetID       string `json:"asset_id,omitempty"`
	ParentAssetID string `json:"parent_asset_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	ChunkGroupID  string `json:"chunk_group_id,omitempty"`

	PersonIDs          []int64 `json:"person_ids,omitempty"`
	MentionedPersonIDs []int64 `json:"mentioned_person_ids,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Point is a single upsert unit: one chunk, two vectors, one payload.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  sparse.Vector
	Payload ChunkPayload
}

// ScoredPoint is a search or scroll hit.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload ChunkPayload
}

// Stats summarizes the collection for /rag/stats.
type Stats struct {
	TotalPoints    int64            `json:"total_points"`
	CountsBySource map[string]int64 `json:"counts_by_source"`
}

var pointIDNamespaceUUID = uuid.MustParse("7c0a1df4-9b5e-4d2a-8c36-2ab1c0f2a9d4")

// PointID derives the deterministic point id for a source_id, which is what
// makes re-upserts idempotent.
func PointID(sourceID string) string {
	return uuid.NewSHA1(pointIDNamespaceUUID, []byte(sourceID)).String()
}

func payloadToMap(p ChunkPayload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func payloadFromMap(m map[string]any) (ChunkPayload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return ChunkPayload{}, err
	}
	var out ChunkPayload
	if err := json.Unmarshal(raw, &out); err != nil {
		return ChunkPayload{}, err
	}
	return out, nil
}
