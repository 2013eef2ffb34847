package identity

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/recallhq/recall-backend/internal/types"
)

// FactInput is a claim to upsert for a person.
type FactInput struct {
	Key         string
	Value       string
	Confidence  float64
	SourceType  string
	SourceRef   string
	SourceQuote string
}

// SetFact applies the supersession rules for one (person, key) pair:
//   - same value as the active fact: bump last_confirmed and keep the higher
//     confidence
//   - different value with higher confidence: retire the old fact, insert the
//     new one
//   - different value with lower or equal confidence: newer observation wins
//     anyway, old fact is retired, unless both landed on the same day, in
//     which case the existing fact stays
//
// Writes for the same person are serialized on a per-person lock.
func (s *Store) SetFact(ctx context.Context, personID int64, in FactInput) (*types.Fact, error) {
	unlock := s.lockPerson(personID)
	defer unlock()

	now := time.Now().UTC()

	var active types.Fact
	err := s.db.WithContext(ctx).
		Where("person_id = ? AND key = ? AND status = ?", personID, in.Key, types.FactActive).
		Take(&active).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return s.insertFact(ctx, personID, in, now)
	case err != nil:
		return nil, err
	}

	if active.Value == in.Value {
		updates := map[string]any{"last_confirmed": now}
		if in.Confidence > active.Confidence {
			updates["confidence"] = in.Confidence
			active.Confidence = in.Confidence
		}
		if err := s.db.WithContext(ctx).Model(&types.Fact{}).Where("id = ?", active.ID).Updates(updates).Error; err != nil {
			return nil, err
		}
		active.LastConfirmed = now
		return &active, nil
	}

	if in.Confidence <= active.Confidence && sameDay(active.LastConfirmed, now) {
		// Conflicting low-confidence claim on the same day as the standing
		// fact: keep what we have.
		s.log.Debug("fact contradiction ignored",
			"person_id", personID, "key", in.Key,
			"kept", active.Value, "ignored", in.Value)
		return &active, nil
	}

	var inserted *types.Fact
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.Fact{}).Where("id = ?", active.ID).Update("status", types.FactRetired).Error; err != nil {
			return err
		}
		row := newFactRow(personID, in, now)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		inserted = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("fact superseded",
		"person_id", personID, "key", in.Key,
		"old", active.Value, "new", in.Value)
	return inserted, nil
}

func (s *Store) insertFact(ctx context.Context, personID int64, in FactInput, now time.Time) (*types.Fact, error) {
	row := newFactRow(personID, in, now)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func newFactRow(personID int64, in FactInput, now time.Time) types.Fact {
	return types.Fact{
		PersonID:      personID,
		Key:           in.Key,
		Value:         in.Value,
		Confidence:    in.Confidence,
		SourceType:    in.SourceType,
		SourceRef:     in.SourceRef,
		SourceQuote:   in.SourceQuote,
		Status:        types.FactActive,
		FirstSeen:     now,
		LastConfirmed: now,
	}
}

// FactsFor returns the active facts for a person. Retired facts never leave
// the store through this path.
func (s *Store) FactsFor(ctx context.Context, personID int64) ([]types.Fact, error) {
	var facts []types.Fact
	err := s.db.WithContext(ctx).
		Where("person_id = ? AND status = ?", personID, types.FactActive).
		Order("key ASC").
		Find(&facts).Error
	if err != nil {
		return nil, err
	}
	return facts, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
