// Package conversations stores chat history for the retrieval engine.
// Appends within one conversation are serialized and sequence-numbered, so a
// reader always observes messages in send order.
package conversations

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/recallhq/recall-backend/internal/platform/apierr"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/types"
)

type Store struct {
	db  *gorm.DB
	log *logger.Logger

	// appendLocks serializes appends per conversation.
	appendLocks sync.Map
}

func NewStore(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.With("service", "ConversationStore")}
}

func (s *Store) lockConversation(id uuid.UUID) func() {
	muAny, _ := s.appendLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) Create(ctx context.Context, title string) (*types.Conversation, error) {
	now := time.Now().UTC()
	conv := types.Conversation{
		ID:        uuid.New(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*types.Conversation, error) {
	var conv types.Conversation
	err := s.db.WithContext(ctx).Take(&conv, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierr.NotFound("conversation_not_found", err)
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]types.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []types.Conversation
	err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Store) Rename(ctx context.Context, id uuid.UUID, title string) error {
	res := s.db.WithContext(ctx).Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apierr.NotFound("conversation_not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

// Delete removes the conversation; messages cascade.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&types.Conversation{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apierr.NotFound("conversation_not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

// Append adds one message with the next sequence number. The per-conversation
// lock makes seq assignment race-free without a DB-level sequence.
func (s *Store) Append(ctx context.Context, conversationID uuid.UUID, role, content string, richContent []byte, costUSD float64) (*types.ConversationMessage, error) {
	unlock := s.lockConversation(conversationID)
	defer unlock()

	var maxSeq int64
	err := s.db.WithContext(ctx).Model(&types.ConversationMessage{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return nil, err
	}

	msg := types.ConversationMessage{
		ConversationID: conversationID,
		Seq:            maxSeq + 1,
		Role:           role,
		Content:        content,
		RichContent:    richContent,
		CostUSD:        costUSD,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&types.Conversation{}).
		Where("id = ?", conversationID).
		Update("updated_at", time.Now().UTC()).Error; err != nil {
		s.log.Warn("conversation touch failed", "conversation_id", conversationID, "error", err)
	}
	return &msg, nil
}

// Messages returns the conversation in send order.
func (s *Store) Messages(ctx context.Context, conversationID uuid.UUID) ([]types.ConversationMessage, error) {
	var out []types.ConversationMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// Recent returns the last n messages in send order, for condense prompts.
func (s *Store) Recent(ctx context.Context, conversationID uuid.UUID, n int) ([]types.ConversationMessage, error) {
	if n <= 0 {
		n = 10
	}
	var out []types.ConversationMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
