package model

import "time"

// ModerationLog records every non-allowed verdict for audit and appeals.
type ModerationLog struct {
	ID         string    `json:"id" gorm:"primaryKey;type:text;not null"`
	MessageID  *string   `json:"message_id,omitempty" gorm:"index"`
	SubjectID  string    `json:"subject_id" gorm:"index;size:255"`
	Action     string    `json:"action" gorm:"not null;size:20"`
	Reason     string    `json:"reason" gorm:"type:text"`
	Categories string    `json:"categories" gorm:"type:text"` // comma separated
	Confidence float64   `json:"confidence" gorm:"not null"`
	Appealed   bool      `json:"appealed" gorm:"default:false;not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"not null"`
}
