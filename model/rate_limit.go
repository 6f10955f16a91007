package model

import "time"

// RateLimitWindow is one fixed window counter for a (subject, endpoint) pair.
// Rows are never mutated except through the conditional increment; a new
// window gets a new row and old rows are garbage collected.
type RateLimitWindow struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text;not null"`
	SubjectID    string    `json:"subject_id" gorm:"not null;uniqueIndex:idx_rate_limit_window,priority:1;size:255"`
	Endpoint     string    `json:"endpoint" gorm:"not null;uniqueIndex:idx_rate_limit_window,priority:2;size:50"`
	WindowStart  int64     `json:"window_start" gorm:"not null;uniqueIndex:idx_rate_limit_window,priority:3;index"`
	RequestCount int       `json:"request_count" gorm:"default:0;not null"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null"`
}

// RateLimitBlock is an explicit penalty marker that short-circuits checks
// until it expires, independent of the window counters.
type RateLimitBlock struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text;not null"`
	SubjectID    string    `json:"subject_id" gorm:"not null;uniqueIndex:idx_rate_limit_block,priority:1;size:255"`
	Endpoint     string    `json:"endpoint" gorm:"not null;uniqueIndex:idx_rate_limit_block,priority:2;size:50"`
	BlockedUntil time.Time `json:"blocked_until" gorm:"not null;index"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null"`
}
