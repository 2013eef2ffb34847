package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Conversation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title     string    `gorm:"column:title" json:"title"`
	CreatedAt time.Time `gorm:"not null;column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

type ConversationMessage struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uuid.UUID      `gorm:"type:uuid;index;not null;column:conversation_id" json:"conversation_id"`
	Conversation   *Conversation  `gorm:"constraint:OnDelete:CASCADE;foreignKey:ConversationID;references:ID" json:"-"`
	Seq            int64          `gorm:"index;not null;column:seq" json:"seq"`
	Role           string         `gorm:"not null;column:role" json:"role"`
	Content        string         `gorm:"not null;column:content" json:"content"`
	RichContent    datatypes.JSON `gorm:"column:rich_content" json:"rich_content,omitempty"`
	CostUSD        float64        `gorm:"column:cost_usd" json:"cost_usd"`
	CreatedAt      time.Time      `gorm:"not null;column:created_at" json:"created_at"`
}

func (ConversationMessage) TableName() string {
	return "conversation_messages"
}
