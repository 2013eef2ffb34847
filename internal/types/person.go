package types

import (
	"time"

	"gorm.io/datatypes"
)

// Person is one resolved identity. Aliases is a JSON array of alternate
// names; identifier columns are unique when present and collisions merge
// persons.
type Person struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CanonicalName string         `gorm:"index;not null;column:canonical_name" json:"canonical_name"`
	Aliases       datatypes.JSON `gorm:"column:aliases" json:"aliases"`
	Phone         string         `gorm:"index;column:phone" json:"phone,omitempty"`
	Email         string         `gorm:"index;column:email" json:"email,omitempty"`
	WhatsappID    string         `gorm:"index;column:whatsapp_id" json:"whatsapp_id,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;column:created_at" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;column:updated_at" json:"updated_at"`
}

func (Person) TableName() string {
	return "persons"
}

type FactStatus string

const (
	FactActive  FactStatus = "active"
	FactRetired FactStatus = "retired"
)

// Fact is a time-invariant claim about a person. Derived time-variant values
// (age) are never stored; they are computed from facts on demand.
type Fact struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PersonID      int64      `gorm:"index:idx_facts_person_key;not null;column:person_id" json:"person_id"`
	Key           string     `gorm:"index:idx_facts_person_key;not null;column:key" json:"key"`
	Value         string     `gorm:"not null;column:value" json:"value"`
	Confidence    float64    `gorm:"not null;column:confidence" json:"confidence"`
	SourceType    string     `gorm:"column:source_type" json:"source_type"`
	SourceRef     string     `gorm:"column:source_ref" json:"source_ref"`
	SourceQuote   string     `gorm:"column:source_quote" json:"source_quote,omitempty"`
	Status        FactStatus `gorm:"index;not null;default:active;column:status" json:"status"`
	FirstSeen     time.Time  `gorm:"not null;column:first_seen" json:"first_seen"`
	LastConfirmed time.Time  `gorm:"not null;column:last_confirmed" json:"last_confirmed"`
}

func (Fact) TableName() string {
	return "facts"
}

// Relationship is a person-to-person edge. Symmetric types are stored once;
// direction matters for parent/child.
type Relationship struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	PersonA    int64   `gorm:"uniqueIndex:idx_rel_pair;not null;column:person_a" json:"person_a"`
	PersonB    int64   `gorm:"uniqueIndex:idx_rel_pair;not null;column:person_b" json:"person_b"`
	Type       string  `gorm:"uniqueIndex:idx_rel_pair;not null;column:type" json:"type"`
	Confidence float64 `gorm:"not null;column:confidence" json:"confidence"`
	SourceRef  string  `gorm:"column:source_ref" json:"source_ref"`
}

func (Relationship) TableName() string {
	return "relationships"
}
