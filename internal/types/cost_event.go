package types

import "time"

// CostEvent is one priced LLM/embedding/transcription/image call. The table
// is append-only.
type CostEvent struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Ts             time.Time `gorm:"index;not null;column:ts" json:"ts"`
	Provider       string    `gorm:"not null;column:provider" json:"provider"`
	Model          string    `gorm:"not null;column:model" json:"model"`
	Kind           string    `gorm:"not null;column:kind" json:"kind"`
	InTokens       int       `gorm:"column:in_tokens" json:"in_tokens"`
	OutTokens      int       `gorm:"column:out_tokens" json:"out_tokens"`
	TotalTokens    int       `gorm:"column:total_tokens" json:"total_tokens"`
	CostUSD        float64   `gorm:"column:cost_usd" json:"cost_usd"`
	ConversationID string    `gorm:"index;column:conversation_id" json:"conversation_id"`
	RequestContext string    `gorm:"column:request_context" json:"request_context"`
}

func (CostEvent) TableName() string {
	return "cost_events"
}
