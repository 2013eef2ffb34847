package types

import "time"

// SettingType constrains how the settings UI renders and validates a row.
type SettingType string

const (
	SettingText   SettingType = "text"
	SettingSecret SettingType = "secret"
	SettingInt    SettingType = "int"
	SettingFloat  SettingType = "float"
	SettingBool   SettingType = "bool"
	SettingSelect SettingType = "select"
)

type Setting struct {
	Key         string      `gorm:"primaryKey;column:key" json:"key"`
	Value       string      `gorm:"not null;column:value" json:"value"`
	Category    string      `gorm:"index;not null;column:category" json:"category"`
	Type        SettingType `gorm:"not null;column:type" json:"type"`
	Description string      `gorm:"column:description" json:"description"`
	UpdatedAt   time.Time   `gorm:"not null;column:updated_at" json:"updated_at"`
}

func (Setting) TableName() string {
	return "settings"
}
