package identity

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/recallhq/recall-backend/internal/types"
)

const maxGraphDepth = 2

// LinkPersonAsset records that a person appears on an asset in a role.
// Duplicate links are silently absorbed.
func (s *Store) LinkPersonAsset(ctx context.Context, personID int64, assetType, assetRef string, role types.PersonAssetRole, confidence float64) error {
	if confidence <= 0 {
		confidence = 1
	}
	row := types.PersonAsset{
		PersonID:   personID,
		AssetType:  assetType,
		AssetRef:   assetRef,
		Role:       role,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// LinkAssets records an asset-to-asset edge. Re-linking the same triple is a
// no-op.
func (s *Store) LinkAssets(ctx context.Context, srcRef, dstRef string, relation types.AssetRelation, provenance string) error {
	row := types.AssetEdge{
		SrcAssetRef: srcRef,
		DstAssetRef: dstRef,
		Relation:    relation,
		Provenance:  provenance,
		CreatedAt:   time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// SetRelationship upserts a person-to-person edge. Re-observing an existing
// pair refreshes its confidence and source.
func (s *Store) SetRelationship(ctx context.Context, personA, personB int64, relType string, confidence float64, sourceRef string) error {
	if personA == personB {
		return nil
	}
	row := types.Relationship{
		PersonA:    personA,
		PersonB:    personB,
		Type:       relType,
		Confidence: confidence,
		SourceRef:  sourceRef,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "person_a"}, {Name: "person_b"}, {Name: "type"}},
			DoUpdates: clause.AssignmentColumns([]string{"confidence", "source_ref"}),
		}).
		Create(&row).Error
}

// RelationshipsOf returns person-to-person edges reachable from a person
// within two hops. Edges are returned in discovery order.
func (s *Store) RelationshipsOf(ctx context.Context, personID int64) ([]types.Relationship, error) {
	seen := map[int64]bool{personID: true}
	edgeSeen := map[int64]bool{}
	frontier := []int64{personID}
	var out []types.Relationship

	for depth := 0; depth < maxGraphDepth && len(frontier) > 0; depth++ {
		var edges []types.Relationship
		err := s.db.WithContext(ctx).
			Where("person_a IN ? OR person_b IN ?", frontier, frontier).
			Order("id ASC").
			Find(&edges).Error
		if err != nil {
			return nil, err
		}
		var next []int64
		for _, e := range edges {
			if !edgeSeen[e.ID] {
				edgeSeen[e.ID] = true
				out = append(out, e)
			}
			for _, pid := range []int64{e.PersonA, e.PersonB} {
				if !seen[pid] {
					seen[pid] = true
					next = append(next, pid)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// AssetsOf returns the person's asset links, most recent first.
func (s *Store) AssetsOf(ctx context.Context, personID int64, limit int) ([]types.PersonAsset, error) {
	if limit <= 0 {
		limit = 100
	}
	var links []types.PersonAsset
	err := s.db.WithContext(ctx).
		Where("person_id = ?", personID).
		Order("created_at DESC").
		Limit(limit).
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	return links, nil
}

// NeighborsOf walks asset-to-asset edges in both directions from a starting
// asset, up to two hops, and returns the distinct neighbor refs.
func (s *Store) NeighborsOf(ctx context.Context, assetRef string) ([]string, error) {
	seen := map[string]bool{assetRef: true}
	frontier := []string{assetRef}
	var out []string

	for depth := 0; depth < maxGraphDepth && len(frontier) > 0; depth++ {
		var edges []types.AssetEdge
		err := s.db.WithContext(ctx).
			Where("src_asset_ref IN ? OR dst_asset_ref IN ?", frontier, frontier).
			Find(&edges).Error
		if err != nil {
			return nil, err
		}
		var next []string
		for _, e := range edges {
			for _, ref := range []string{e.SrcAssetRef, e.DstAssetRef} {
				if !seen[ref] {
					seen[ref] = true
					out = append(out, ref)
					next = append(next, ref)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// WasExtracted reports whether identity extraction already ran for an asset.
func (s *Store) WasExtracted(ctx context.Context, sourceRef string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Extraction{}).
		Where("source_ref = ?", sourceRef).
		Count(&count).Error
	return count > 0, err
}

// MarkExtracted records an extraction run. Duplicate marks are absorbed.
func (s *Store) MarkExtracted(ctx context.Context, sourceRef, sourceType string, factCount int) error {
	row := types.Extraction{
		SourceRef:   sourceRef,
		SourceType:  sourceType,
		FactCount:   factCount,
		ExtractedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}
