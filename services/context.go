package services

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"unicode/utf8"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/aidol-labs/aidol-api/dto"
	"github.com/aidol-labs/aidol-api/model"
	"github.com/aidol-labs/aidol-api/shared"
)

// TokenEstimator converts text into a model-input token estimate. The
// default is the chars/4 heuristic; a real tokenizer can be swapped in
// without touching the windowing algorithm.
type TokenEstimator interface {
	EstimateTokens(content string) int
}

type heuristicEstimator struct{}

func (heuristicEstimator) EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}

// ContextLimits bound one prepared context window.
type ContextLimits struct {
	MaxContextTokens   int
	MaxMessageTokens   int
	SystemPromptTokens int
	ResponseTokens     int
}

// ContextWindow is the bounded, chronologically ordered subset of history
// actually sent to the model.
type ContextWindow struct {
	Messages    []model.Message
	TotalTokens int
	Truncated   bool
	SummaryUsed bool
}

// ConversationContext is derived from Message rows on demand, never persisted.
type ConversationContext struct {
	ConversationID string
	CharacterID    string
	Messages       []model.Message
	TotalTokens    int
	Summary        string
}

type ContextService struct {
	appContext.DefaultService

	store     ConversationStore
	estimator TokenEstimator
	limits    ContextLimits
	monSvc    *MonitoringService

	sqlSvc *SqlService
}

const CONTEXT_SVC = "context_svc"

const (
	// Below this many retained messages a truncated window gets a
	// synthetic summary of what was dropped.
	summaryMessageThreshold = 3

	summaryTriggerMessages = 20
	summaryTriggerTokens   = 3000
	summaryKeepRecent      = 5
)

func (svc ContextService) Id() string {
	return CONTEXT_SVC
}

func (svc *ContextService) Configure(ctx *appContext.Context) error {
	svc.estimator = heuristicEstimator{}
	svc.limits = ContextLimits{
		MaxContextTokens: envInt("MAX_CONTEXT_TOKENS", 4000),
		MaxMessageTokens: envInt("MAX_MESSAGE_TOKENS", 500),
		ResponseTokens:   envInt("RESPONSE_TOKENS", 500),
	}
	return svc.DefaultService.Configure(ctx)
}

func (svc *ContextService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)
	svc.store = svc.sqlSvc
	return nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// ==================== CONTEXT ASSEMBLY ====================

// GetConversationContext loads the full non-hidden history in creation order.
func (svc *ContextService) GetConversationContext(conversationID string) (*ConversationContext, error) {
	conv, err := svc.store.GetConversation(conversationID)
	if err != nil {
		return nil, shared.NewAppError(http.StatusNotFound, "Conversation not found", nil)
	}

	messages, err := svc.store.GetConversationMessages(conversationID, false)
	if err != nil {
		return nil, err
	}

	total := 0
	for i := range messages {
		if messages[i].Tokens <= 0 {
			messages[i].Tokens = svc.estimator.EstimateTokens(messages[i].Content)
		}
		total += messages[i].Tokens
	}

	return &ConversationContext{
		ConversationID: conversationID,
		CharacterID:    conv.CharacterID,
		Messages:       messages,
		TotalTokens:    total,
		Summary:        conv.Summary,
	}, nil
}

// CreateContextWindow walks the history newest to oldest until the token
// budget is spent, then restores chronological order. When truncation
// leaves fewer than summaryMessageThreshold messages, a synthetic summary
// of the dropped turns is prepended as a system message, provided it fits
// the same budget.
func (svc *ContextService) CreateContextWindow(messages []model.Message, limits ContextLimits, fallbackSummary string) ContextWindow {
	window := ContextWindow{}

	available := limits.MaxContextTokens - limits.SystemPromptTokens - limits.ResponseTokens
	if available <= 0 {
		window.Truncated = len(messages) > 0
		return window
	}

	var retained []model.Message
	cut := -1
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		tokens := msg.Tokens
		if tokens <= 0 {
			tokens = svc.estimator.EstimateTokens(msg.Content)
		}
		if limits.MaxMessageTokens > 0 && tokens > limits.MaxMessageTokens {
			if capLen := limits.MaxMessageTokens * 4; len(msg.Content) > capLen {
				// Back off to a rune boundary so the clamp never emits
				// invalid UTF-8.
				for capLen > 0 && !utf8.RuneStart(msg.Content[capLen]) {
					capLen--
				}
				msg.Content = msg.Content[:capLen]
			}
			tokens = limits.MaxMessageTokens
		}
		msg.Tokens = tokens

		if window.TotalTokens+tokens > available {
			window.Truncated = true
			cut = i
			break
		}

		window.TotalTokens += tokens
		retained = append(retained, msg)
	}

	// restore chronological order
	for i, j := 0, len(retained)-1; i < j; i, j = i+1, j-1 {
		retained[i], retained[j] = retained[j], retained[i]
	}
	window.Messages = retained

	if window.Truncated && len(retained) < summaryMessageThreshold {
		summary := summarizeMessages(messages[:cut+1])
		if summary == "" {
			summary = fallbackSummary
		}
		if summary != "" {
			content := "Summary of the earlier conversation: " + summary
			tokens := svc.estimator.EstimateTokens(content)
			if window.TotalTokens+tokens <= available {
				window.Messages = append([]model.Message{{
					Role:     shared.RoleSystem,
					Content:  content,
					Tokens:   tokens,
					Metadata: json.RawMessage(`{"is_summary":true}`),
				}}, window.Messages...)
				window.TotalTokens += tokens
				window.SummaryUsed = true
			}
		}
	}

	return window
}

// PrepareAIContext produces the exact ordered message array for the model:
// system prompt first, then the bounded window. Stored system-role rows are
// excluded; only the synthetic summary may carry the system role inside the
// window.
func (svc *ContextService) PrepareAIContext(conversationID, systemPrompt string) ([]dto.ChatMessage, *dto.ContextInfo, error) {
	convCtx, err := svc.GetConversationContext(conversationID)
	if err != nil {
		return nil, nil, err
	}

	history := make([]model.Message, 0, len(convCtx.Messages))
	for _, msg := range convCtx.Messages {
		if msg.Role == shared.RoleSystem {
			continue
		}
		history = append(history, msg)
	}

	limits := svc.limits
	limits.SystemPromptTokens = svc.estimator.EstimateTokens(systemPrompt)

	window := svc.CreateContextWindow(history, limits, convCtx.Summary)

	out := make([]dto.ChatMessage, 0, len(window.Messages)+1)
	out = append(out, dto.ChatMessage{Role: shared.RoleSystem, Content: systemPrompt})
	for _, msg := range window.Messages {
		out = append(out, dto.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	info := &dto.ContextInfo{
		TotalTokens:  window.TotalTokens + limits.SystemPromptTokens,
		MessageCount: len(window.Messages),
		Truncated:    window.Truncated,
		SummaryUsed:  window.SummaryUsed,
	}

	svc.monSvc.RecordContextWindow(info.TotalTokens, info.Truncated)

	return out, info, nil
}

// AddMessageToContext appends one message row. Prior messages are never
// touched.
func (svc *ContextService) AddMessageToContext(conversationID, role, content string, metadata map[string]interface{}) (*model.Message, error) {
	msg := &model.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         svc.estimator.EstimateTokens(content),
	}

	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err == nil {
			msg.Metadata = raw
		}
	}

	if err := svc.store.CreateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetOrCreateConversation resolves the request's conversation, creating one
// on first contact with a character.
func (svc *ContextService) GetOrCreateConversation(req dto.ChatRequest) (*model.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := svc.store.GetConversation(req.ConversationID)
		if err != nil {
			return nil, shared.NewAppError(http.StatusNotFound, "Conversation not found", nil)
		}
		return conv, nil
	}

	conv := &model.Conversation{
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
	}
	if err := svc.store.CreateConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ==================== ROLLING SUMMARY ====================

// UpdateConversationSummary refreshes the stored rolling summary once the
// history is large enough. Failures are logged and swallowed; the summary
// is an optimization, not a correctness requirement.
func (svc *ContextService) UpdateConversationSummary(conversationID string) {
	messages, err := svc.store.GetConversationMessages(conversationID, false)
	if err != nil {
		log.Printf("Failed to load messages for summary of %s: %v", conversationID, err)
		return
	}

	total := 0
	for i := range messages {
		if messages[i].Tokens <= 0 {
			messages[i].Tokens = svc.estimator.EstimateTokens(messages[i].Content)
		}
		total += messages[i].Tokens
	}

	if len(messages) <= summaryTriggerMessages && total <= summaryTriggerTokens {
		return
	}
	if len(messages) <= summaryKeepRecent {
		return
	}

	summary := summarizeMessages(messages[:len(messages)-summaryKeepRecent])
	if summary == "" {
		return
	}

	if err := svc.store.UpdateConversationSummary(conversationID, summary); err != nil {
		log.Printf("Failed to store summary for %s: %v", conversationID, err)
	}
}
