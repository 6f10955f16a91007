package services

import (
	"context"
	"time"

	"github.com/aidol-labs/aidol-api/model"
)

// WindowKey identifies one fixed rate-limit window.
type WindowKey struct {
	SubjectID   string
	Endpoint    string
	WindowStart int64 // unix millis, aligned to the window length
}

// WindowStore is the narrow persistence port for rate-limit counters.
// IncrementWindow must be a single atomic conditional increment: it creates
// the window row with count 1, or increments it only while the current count
// is below max. Two independent round-trips are not an acceptable
// implementation; concurrent callers must never over-admit.
type WindowStore interface {
	IncrementWindow(ctx context.Context, key WindowKey, max int, retention time.Duration) (count int, incremented bool, err error)
	GetWindowCount(ctx context.Context, key WindowKey) (int, error)
	DeleteWindowsBefore(ctx context.Context, subjectID, endpoint string, cutoff int64) error

	SetBlock(ctx context.Context, subjectID, endpoint string, until time.Time) error
	GetBlock(ctx context.Context, subjectID, endpoint string) (*time.Time, error)
	DeleteBlock(ctx context.Context, subjectID, endpoint string) error
}

// ModerationStore persists moderation verdicts and serves appeals.
type ModerationStore interface {
	CreateModerationLog(log *model.ModerationLog) error
	GetModerationLog(id string) (*model.ModerationLog, error)
	UpdateModerationLog(log *model.ModerationLog) error
	SetMessageHidden(messageID string, hidden bool) error
}

// ConversationStore persists conversations and their append-only messages.
type ConversationStore interface {
	GetConversation(id string) (*model.Conversation, error)
	CreateConversation(conv *model.Conversation) error
	UpdateConversationSummary(id, summary string) error
	CreateMessage(msg *model.Message) error
	GetConversationMessages(conversationID string, includeHidden bool) ([]model.Message, error)
}
