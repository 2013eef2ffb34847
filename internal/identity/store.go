// Package identity is the relational person/asset graph: who people are, what
// is known about them, and how archive assets connect to them and to each
// other.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/types"
)

// Identifiers are the resolution keys for a person, strongest first: phone,
// then email, then the channel-specific id.
type Identifiers struct {
	Phone      string
	Email      string
	WhatsappID string
}

type Store struct {
	db  *gorm.DB
	log *logger.Logger

	byPhone    *lruCache
	byEmail    *lruCache
	byWhatsapp *lruCache
	byName     *lruCache

	// personLocks serializes fact upserts per person.
	personLocks sync.Map
}

func NewStore(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{
		db:         db,
		log:        log.With("service", "IdentityStore"),
		byPhone:    newLRUCache(512),
		byEmail:    newLRUCache(512),
		byWhatsapp: newLRUCache(512),
		byName:     newLRUCache(512),
	}
}

// ClearCaches drops all resolve caches. Call after merges or bulk imports.
func (s *Store) ClearCaches() {
	s.byPhone.Clear()
	s.byEmail.Clear()
	s.byWhatsapp.Clear()
	s.byName.Clear()
}

func (s *Store) lockPerson(id int64) func() {
	muAny, _ := s.personLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// FindOrCreatePerson resolves by identifier cascade: phone, email, channel
// id, then exact alias/name match. Identifier collisions merge the matched
// persons; ambiguous name-only matches return the most recently updated
// candidate. Always returns a valid person.
func (s *Store) FindOrCreatePerson(ctx context.Context, name string, ids Identifiers) (*types.Person, error) {
	name = strings.TrimSpace(name)
	ids.Phone = strings.TrimSpace(ids.Phone)
	ids.Email = strings.ToLower(strings.TrimSpace(ids.Email))
	ids.WhatsappID = strings.TrimSpace(ids.WhatsappID)
	if name == "" && ids.Phone == "" && ids.Email == "" && ids.WhatsappID == "" {
		return nil, fmt.Errorf("person resolution requires a name or identifier")
	}

	if p := s.cachedLookup(ctx, ids, name); p != nil {
		s.touchPerson(ctx, p, name, ids)
		return p, nil
	}

	matches, err := s.identifierMatches(ctx, ids)
	if err != nil {
		return nil, err
	}

	var person *types.Person
	switch len(matches) {
	case 0:
		person, err = s.resolveByName(ctx, name)
		if err != nil {
			return nil, err
		}
	case 1:
		person = matches[0]
	default:
		person, err = s.mergePersons(ctx, matches)
		if err != nil {
			return nil, err
		}
	}

	if person == nil {
		person, err = s.createPerson(ctx, name, ids)
		if err != nil {
			return nil, err
		}
	} else {
		s.touchPerson(ctx, person, name, ids)
	}

	s.cachePerson(person)
	return person, nil
}

func (s *Store) cachedLookup(ctx context.Context, ids Identifiers, name string) *types.Person {
	lookups := []struct {
		cache *lruCache
		key   string
	}{
		{s.byPhone, ids.Phone},
		{s.byEmail, ids.Email},
		{s.byWhatsapp, ids.WhatsappID},
		{s.byName, strings.ToLower(name)},
	}
	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		if id, ok := l.cache.Get(l.key); ok {
			var p types.Person
			if err := s.db.WithContext(ctx).Take(&p, id).Error; err == nil {
				return &p
			}
		}
	}
	return nil
}

func (s *Store) cachePerson(p *types.Person) {
	if p == nil {
		return
	}
	if p.Phone != "" {
		s.byPhone.Set(p.Phone, p.ID)
	}
	if p.Email != "" {
		s.byEmail.Set(p.Email, p.ID)
	}
	if p.WhatsappID != "" {
		s.byWhatsapp.Set(p.WhatsappID, p.ID)
	}
	if p.CanonicalName != "" {
		s.byName.Set(strings.ToLower(p.CanonicalName), p.ID)
	}
}

// identifierMatches returns distinct persons matched by any identifier, in
// cascade order.
func (s *Store) identifierMatches(ctx context.Context, ids Identifiers) ([]*types.Person, error) {
	var out []*types.Person
	seen := map[int64]bool{}
	add := func(column, value string) error {
		if value == "" {
			return nil
		}
		var p types.Person
		err := s.db.WithContext(ctx).Where(column+" = ?", value).Take(&p).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if !seen[p.ID] {
			seen[p.ID] = true
			out = append(out, &p)
		}
		return nil
	}
	if err := add("phone", ids.Phone); err != nil {
		return nil, err
	}
	if err := add("email", ids.Email); err != nil {
		return nil, err
	}
	if err := add("whatsapp_id", ids.WhatsappID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) resolveByName(ctx context.Context, name string) (*types.Person, error) {
	if name == "" {
		return nil, nil
	}
	var candidates []types.Person
	err := s.db.WithContext(ctx).
		Where("canonical_name = ? OR aliases LIKE ?", name, `%"`+name+`"%`).
		Order("updated_at DESC").
		Limit(5).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	// Most recently updated wins when the name alone is ambiguous.
	p := candidates[0]
	return &p, nil
}

func (s *Store) createPerson(ctx context.Context, name string, ids Identifiers) (*types.Person, error) {
	canonical := name
	if canonical == "" {
		switch {
		case ids.Phone != "":
			canonical = ids.Phone
		case ids.Email != "":
			canonical = ids.Email
		default:
			canonical = ids.WhatsappID
		}
	}
	now := time.Now().UTC()
	p := types.Person{
		CanonicalName: canonical,
		Aliases:       mustAliasJSON(nil),
		Phone:         ids.Phone,
		Email:         ids.Email,
		WhatsappID:    ids.WhatsappID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, err
	}
	s.log.Debug("person created", "person_id", p.ID, "name", canonical)
	return &p, nil
}

// touchPerson absorbs newly learned names and identifiers into an existing
// person.
func (s *Store) touchPerson(ctx context.Context, p *types.Person, name string, ids Identifiers) {
	updates := map[string]any{}

	if name != "" && !strings.EqualFold(p.CanonicalName, name) {
		aliases := decodeAliases(p.Aliases)
		if !containsFold(aliases, name) {
			aliases = append(aliases, name)
			p.Aliases = mustAliasJSON(aliases)
			updates["aliases"] = p.Aliases
		}
	}
	if ids.Phone != "" && p.Phone == "" {
		p.Phone = ids.Phone
		updates["phone"] = ids.Phone
	}
	if ids.Email != "" && p.Email == "" {
		p.Email = ids.Email
		updates["email"] = ids.Email
	}
	if ids.WhatsappID != "" && p.WhatsappID == "" {
		p.WhatsappID = ids.WhatsappID
		updates["whatsapp_id"] = ids.WhatsappID
	}
	if len(updates) == 0 {
		return
	}
	updates["updated_at"] = time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&types.Person{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
		s.log.Warn("person touch failed", "person_id", p.ID, "error", err)
	}
}

// mergePersons folds newer persons into the oldest one, moving aliases,
// identifiers, facts, relationships and asset links. All-or-nothing inside
// one transaction.
func (s *Store) mergePersons(ctx context.Context, matches []*types.Person) (*types.Person, error) {
	oldest := matches[0]
	for _, p := range matches[1:] {
		if p.ID < oldest.ID {
			oldest = p
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		aliases := decodeAliases(oldest.Aliases)
		for _, p := range matches {
			if p.ID == oldest.ID {
				continue
			}
			if !containsFold(aliases, p.CanonicalName) {
				aliases = append(aliases, p.CanonicalName)
			}
			for _, a := range decodeAliases(p.Aliases) {
				if !containsFold(aliases, a) {
					aliases = append(aliases, a)
				}
			}
			if oldest.Phone == "" {
				oldest.Phone = p.Phone
			}
			if oldest.Email == "" {
				oldest.Email = p.Email
			}
			if oldest.WhatsappID == "" {
				oldest.WhatsappID = p.WhatsappID
			}

			if err := tx.Model(&types.Fact{}).Where("person_id = ?", p.ID).Update("person_id", oldest.ID).Error; err != nil {
				return err
			}
			if err := tx.Model(&types.Relationship{}).Where("person_a = ?", p.ID).Update("person_a", oldest.ID).Error; err != nil {
				return err
			}
			if err := tx.Model(&types.Relationship{}).Where("person_b = ?", p.ID).Update("person_b", oldest.ID).Error; err != nil {
				return err
			}
			if err := tx.Model(&types.PersonAsset{}).Where("person_id = ?", p.ID).Update("person_id", oldest.ID).Error; err != nil {
				// Unique collisions mean the link already exists on the
				// surviving person; drop the duplicate rows instead.
				if delErr := tx.Where("person_id = ?", p.ID).Delete(&types.PersonAsset{}).Error; delErr != nil {
					return delErr
				}
			}
			if err := tx.Delete(&types.Person{}, p.ID).Error; err != nil {
				return err
			}
		}

		oldest.Aliases = mustAliasJSON(aliases)
		oldest.UpdatedAt = time.Now().UTC()
		return tx.Save(oldest).Error
	})
	if err != nil {
		return nil, err
	}

	s.ClearCaches()
	s.log.Info("persons merged", "surviving_id", oldest.ID, "merged_count", len(matches)-1)
	return oldest, nil
}

// LookupByName resolves a name or alias without ever creating a person.
// Query-time entity linking uses this; an unknown name in a question is not
// evidence the person exists.
func (s *Store) LookupByName(ctx context.Context, name string) (*types.Person, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if id, ok := s.byName.Get(strings.ToLower(name)); ok {
		var p types.Person
		if err := s.db.WithContext(ctx).Take(&p, id).Error; err == nil {
			return &p, nil
		}
	}
	p, err := s.resolveByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if p != nil {
		s.byName.Set(strings.ToLower(name), p.ID)
	}
	return p, nil
}

func (s *Store) GetPerson(ctx context.Context, id int64) (*types.Person, error) {
	var p types.Person
	err := s.db.WithContext(ctx).Take(&p, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeAliases(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func mustAliasJSON(aliases []string) []byte {
	if aliases == nil {
		aliases = []string{}
	}
	raw, _ := json.Marshal(aliases)
	return raw
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
