package types

import "time"

type PersonAssetRole string

const (
	RoleSender      PersonAssetRole = "sender"
	RoleParticipant PersonAssetRole = "participant"
	RoleMentioned   PersonAssetRole = "mentioned"
)

// PersonAsset links a person to a logical asset (message, email, document,
// recording) in a given role.
type PersonAsset struct {
	ID         int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PersonID   int64           `gorm:"uniqueIndex:idx_person_asset_role;not null;column:person_id" json:"person_id"`
	AssetType  string          `gorm:"not null;column:asset_type" json:"asset_type"`
	AssetRef   string          `gorm:"uniqueIndex:idx_person_asset_role;index;not null;column:asset_ref" json:"asset_ref"`
	Role       PersonAssetRole `gorm:"uniqueIndex:idx_person_asset_role;not null;column:role" json:"role"`
	Confidence float64         `gorm:"not null;default:1;column:confidence" json:"confidence"`
	CreatedAt  time.Time       `gorm:"not null;column:created_at" json:"created_at"`
}

func (PersonAsset) TableName() string {
	return "person_assets"
}

type AssetRelation string

const (
	RelationThreadMember AssetRelation = "thread_member"
	RelationAttachmentOf AssetRelation = "attachment_of"
	RelationChunkOf      AssetRelation = "chunk_of"
	RelationReplyTo      AssetRelation = "reply_to"
	RelationReferences   AssetRelation = "references"
	RelationTranscriptOf AssetRelation = "transcript_of"
)

// AssetEdge is an append-only asset-to-asset edge.
type AssetEdge struct {
	ID          int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SrcAssetRef string        `gorm:"uniqueIndex:idx_asset_edge;index;not null;column:src_asset_ref" json:"src_asset_ref"`
	DstAssetRef string        `gorm:"uniqueIndex:idx_asset_edge;index;not null;column:dst_asset_ref" json:"dst_asset_ref"`
	Relation    AssetRelation `gorm:"uniqueIndex:idx_asset_edge;not null;column:relation" json:"relation"`
	Provenance  string        `gorm:"column:provenance" json:"provenance"`
	CreatedAt   time.Time     `gorm:"not null;column:created_at" json:"created_at"`
}

func (AssetEdge) TableName() string {
	return "asset_asset_edges"
}

// Extraction is the dedup log of identity-extraction runs.
type Extraction struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceRef   string    `gorm:"uniqueIndex;not null;column:source_ref" json:"source_ref"`
	SourceType  string    `gorm:"not null;column:source_type" json:"source_type"`
	FactCount   int       `gorm:"column:fact_count" json:"fact_count"`
	ExtractedAt time.Time `gorm:"not null;column:extracted_at" json:"extracted_at"`
}

func (Extraction) TableName() string {
	return "extractions"
}
