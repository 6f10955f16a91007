package dto

import "time"

// RateLimitResult is the outcome of a single checkAndConsume call.
type RateLimitResult struct {
	Allowed    bool       `json:"allowed"`
	Limit      int        `json:"limit"`
	Remaining  int        `json:"remaining"`
	ResetTime  *time.Time `json:"reset_time,omitempty"`
	RetryAfter int        `json:"retry_after,omitempty"` // seconds
}
