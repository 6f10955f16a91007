package shared

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the only error type that crosses the HTTP boundary.
// Everything else is logged and converted to a safe default before it
// reaches a handler.
type AppError struct {
	StatusCode int
	Message    string
	Data       interface{}
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

func NewAppError(statusCode int, message string, data interface{}) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Message:    message,
		Data:       data,
	}
}

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// NewRateLimitError carries the limiter state for a 429 response.
func NewRateLimitError(data interface{}) *AppError {
	return NewAppError(http.StatusTooManyRequests, "Too many requests. Please try again later.", data)
}

// NewContentBlockedError carries the moderation verdict for a rejected message.
func NewContentBlockedError(categories []string, reason string) *AppError {
	return NewAppError(http.StatusBadRequest, "Message rejected by content moderation", map[string]interface{}{
		"moderated":  true,
		"action":     ActionBlocked,
		"categories": categories,
		"reason":     reason,
	})
}
