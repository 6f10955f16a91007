package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/aidol-labs/aidol-api/model"
)

type SqlService struct {
	appContext.DefaultService
	db *gorm.DB

	driver   string
	database string
}

const SQL_SVC = "sql_svc"

// Id returns Service ID
func (ds SqlService) Id() string {
	return SQL_SVC
}

// Db Access to raw SqlService db
func (ds SqlService) Db() *gorm.DB {
	return ds.db
}

// Configure the service
func (ds *SqlService) Configure(ctx *appContext.Context) error {
	ds.driver = os.Getenv("DB_DRIVER")
	if ds.driver == "" {
		ds.driver = "sqlite"
	}

	ds.database = os.Getenv("DB_DATABASE")
	if ds.database == "" {
		ds.database = "aidol.db"
	}

	return ds.DefaultService.Configure(ctx)
}

// Start the service and open connection to the database
// Migrate any tables that have changed since last runtime
func (ds *SqlService) Start() (err error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	}

	switch ds.driver {
	case "postgres":
		ds.db, err = gorm.Open(postgres.Open(ds.database), cfg)
	default:
		ds.db, err = gorm.Open(sqlite.Open(ds.database), cfg)
	}
	if err != nil {
		return err
	}

	models := []interface{}{
		&model.RateLimitWindow{},
		&model.RateLimitBlock{},
		&model.ModerationLog{},
		&model.Conversation{},
		&model.Message{},
	}

	err = ds.db.AutoMigrate(models...)
	if err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *SqlService) Shutdown() {
}

func (ds *SqlService) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound
		errorType = "NOT_FOUND"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		statusCode = http.StatusBadRequest
		errorType = "FOREIGN_KEY_VIOLATION"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError
		errorType = "TRANSACTION_ERROR"
	default:
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			statusCode = http.StatusConflict
			errorType = "UNIQUE_CONSTRAINT"
		} else if strings.Contains(err.Error(), "no such table") {
			statusCode = http.StatusInternalServerError
			errorType = "SCHEMA_ERROR"
		} else {
			statusCode = http.StatusInternalServerError
			errorType = "INTERNAL_ERROR"
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return fmt.Errorf("%s: %w", errorType, err)
}

// ==================== RATE LIMIT WINDOWS ====================

// IncrementWindow performs the conditional upsert in one statement:
// insert the window with count 1, or increment it only while the stored
// count is below max. RowsAffected == 0 means the window is exhausted.
func (ds *SqlService) IncrementWindow(ctx context.Context, key WindowKey, max int, retention time.Duration) (int, bool, error) {
	now := time.Now()
	row := model.RateLimitWindow{
		ID:           newID(),
		SubjectID:    key.SubjectID,
		Endpoint:     key.Endpoint,
		WindowStart:  key.WindowStart,
		RequestCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	res := ds.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "subject_id"},
				{Name: "endpoint"},
				{Name: "window_start"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"request_count": gorm.Expr("rate_limit_windows.request_count + 1"),
				"updated_at":    now,
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				gorm.Expr("rate_limit_windows.request_count < ?", max),
			}},
		},
		clause.Returning{Columns: []clause.Column{{Name: "request_count"}}},
	).Create(&row)

	if res.Error != nil {
		return 0, false, res.Error
	}
	if res.RowsAffected == 0 {
		return max, false, nil
	}
	return row.RequestCount, true, nil
}

func (ds *SqlService) GetWindowCount(ctx context.Context, key WindowKey) (int, error) {
	var window model.RateLimitWindow
	err := ds.db.WithContext(ctx).
		Where("subject_id = ? AND endpoint = ? AND window_start = ?", key.SubjectID, key.Endpoint, key.WindowStart).
		First(&window).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return window.RequestCount, nil
}

func (ds *SqlService) DeleteWindowsBefore(ctx context.Context, subjectID, endpoint string, cutoff int64) error {
	return ds.db.WithContext(ctx).
		Where("subject_id = ? AND endpoint = ? AND window_start < ?", subjectID, endpoint, cutoff).
		Delete(&model.RateLimitWindow{}).Error
}

func (ds *SqlService) SetBlock(ctx context.Context, subjectID, endpoint string, until time.Time) error {
	now := time.Now()
	block := model.RateLimitBlock{
		ID:           newID(),
		SubjectID:    subjectID,
		Endpoint:     endpoint,
		BlockedUntil: until,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return ds.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subject_id"}, {Name: "endpoint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"blocked_until": until,
			"updated_at":    now,
		}),
	}).Create(&block).Error
}

func (ds *SqlService) GetBlock(ctx context.Context, subjectID, endpoint string) (*time.Time, error) {
	var block model.RateLimitBlock
	err := ds.db.WithContext(ctx).
		Where("subject_id = ? AND endpoint = ? AND blocked_until > ?", subjectID, endpoint, time.Now()).
		First(&block).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &block.BlockedUntil, nil
}

func (ds *SqlService) DeleteBlock(ctx context.Context, subjectID, endpoint string) error {
	return ds.db.WithContext(ctx).
		Where("subject_id = ? AND endpoint = ?", subjectID, endpoint).
		Delete(&model.RateLimitBlock{}).Error
}

// CleanupOldRecords drops expired windows and blocks across all subjects.
func (ds *SqlService) CleanupOldRecords(maxWindow time.Duration) error {
	cutoff := time.Now().Add(-2 * maxWindow).UnixMilli()
	if err := ds.db.Where("window_start < ?", cutoff).Delete(&model.RateLimitWindow{}).Error; err != nil {
		return err
	}
	return ds.db.Where("blocked_until < ?", time.Now()).Delete(&model.RateLimitBlock{}).Error
}

// ==================== MODERATION LOGS ====================

func (ds *SqlService) CreateModerationLog(logRow *model.ModerationLog) error {
	if logRow.ID == "" {
		logRow.ID = newID()
	}
	now := time.Now()
	if logRow.CreatedAt.IsZero() {
		logRow.CreatedAt = now
	}
	logRow.UpdatedAt = now

	return ds.db.Create(logRow).Error
}

func (ds *SqlService) GetModerationLog(id string) (*model.ModerationLog, error) {
	var logRow model.ModerationLog
	if err := ds.db.Where("id = ?", id).First(&logRow).Error; err != nil {
		return nil, err
	}
	return &logRow, nil
}

func (ds *SqlService) UpdateModerationLog(logRow *model.ModerationLog) error {
	logRow.UpdatedAt = time.Now()
	return ds.db.Model(logRow).Where("id = ?", logRow.ID).Updates(map[string]interface{}{
		"message_id": logRow.MessageID,
		"appealed":   logRow.Appealed,
		"updated_at": logRow.UpdatedAt,
	}).Error
}

func (ds *SqlService) SetMessageHidden(messageID string, hidden bool) error {
	return ds.db.Model(&model.Message{}).Where("id = ?", messageID).
		Update("hidden", hidden).Error
}

// TrimModerationLogs removes resolved log rows older than the retention
// period. Appealed rows are kept.
func (ds *SqlService) TrimModerationLogs(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	return ds.db.Where("created_at < ? AND appealed = ?", cutoff, false).
		Delete(&model.ModerationLog{}).Error
}

// ==================== CONVERSATIONS ====================

func (ds *SqlService) GetConversation(id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := ds.db.Where("id = ?", id).First(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (ds *SqlService) CreateConversation(conv *model.Conversation) error {
	if conv.ID == "" {
		conv.ID = newID()
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	return ds.db.Create(conv).Error
}

func (ds *SqlService) UpdateConversationSummary(id, summary string) error {
	return ds.db.Model(&model.Conversation{}).Where("id = ?", id).Updates(map[string]interface{}{
		"summary":    summary,
		"updated_at": time.Now(),
	}).Error
}

func (ds *SqlService) GetUserConversations(userID string) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := ds.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&convs).Error
	return convs, err
}

func (ds *SqlService) CreateMessage(msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	return ds.db.Create(msg).Error
}

func (ds *SqlService) GetConversationMessages(conversationID string, includeHidden bool) ([]model.Message, error) {
	var msgs []model.Message
	q := ds.db.Where("conversation_id = ?", conversationID)
	if !includeHidden {
		q = q.Where("hidden = ?", false)
	}
	err := q.Order("created_at ASC").Find(&msgs).Error
	return msgs, err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
