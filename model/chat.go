package model

import (
	"encoding/json"
	"time"
)

// Conversation is one user <-> character chat thread. Summary is a rolling
// digest of older turns, maintained once the history grows past a threshold.
type Conversation struct {
	ID          string    `json:"id" gorm:"primaryKey;type:text;not null"`
	UserID      string    `json:"user_id" gorm:"not null;index;size:255"`
	CharacterID string    `json:"character_id" gorm:"not null;index;size:255"`
	Summary     string    `json:"summary" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"not null"`
}

// Message is append-only. Only the Hidden flag may change after creation,
// used to redact a message without losing the audit trail.
type Message struct {
	ID             string          `json:"id" gorm:"primaryKey;type:text;not null"`
	ConversationID string          `json:"conversation_id" gorm:"not null;index"`
	Role           string          `json:"role" gorm:"not null;size:20"`
	Content        string          `json:"content" gorm:"type:text;not null"`
	Tokens         int             `json:"tokens" gorm:"default:0;not null"`
	Metadata       json.RawMessage `json:"metadata,omitempty" gorm:"type:text"`
	Hidden         bool            `json:"hidden" gorm:"default:false;not null;index"`
	CreatedAt      time.Time       `json:"created_at" gorm:"not null;index"`
}
