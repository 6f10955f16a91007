package services

import (
	"context"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/aidol-labs/aidol-api/dto"
	"github.com/aidol-labs/aidol-api/shared"
)

type completionClient interface {
	Complete(ctx context.Context, messages []dto.ChatMessage) (string, error)
}

type personaProvider interface {
	GetSystemPrompt(ctx context.Context, characterID string) string
}

// ChatService runs the admission -> moderation -> context -> model sequence
// for one conversational turn. It owns no state of its own; every decision
// lives in the component services.
type ChatService struct {
	appContext.DefaultService

	rateSvc    *RateLimitService
	modSvc     *ModerationService
	ctxSvc     *ContextService
	llm        completionClient
	characters personaProvider
}

const CHAT_SVC = "chat_svc"

func (svc ChatService) Id() string {
	return CHAT_SVC
}

func (svc *ChatService) Start() error {
	svc.rateSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.modSvc = svc.Service(MODERATION_SVC).(*ModerationService)
	svc.ctxSvc = svc.Service(CONTEXT_SVC).(*ContextService)
	svc.llm = svc.Service(LLM_SVC).(*LLMService)
	svc.characters = svc.Service(CHARACTER_SVC).(*CharacterService)
	return nil
}

// ProcessMessage handles one turn. The user's message is committed before
// the model call and is never rolled back: if the model call fails or the
// caller goes away, only the assistant reply is skipped.
func (svc *ChatService) ProcessMessage(ctx context.Context, req dto.ChatRequest) (*dto.ChatResponse, error) {
	// 1. Admission
	limit := svc.rateSvc.CheckAndConsume(req.UserID, shared.EndpointChatMessage)
	if !limit.Allowed {
		return nil, shared.NewRateLimitError(limit)
	}

	// 2. Moderation
	verdict := svc.modSvc.ModerateContent(req.Message, req.UserID)
	if verdict.Action == shared.ActionBlocked {
		return nil, shared.NewContentBlockedError(verdict.Categories, verdict.Reason)
	}

	// 3. Resolve conversation and commit the user turn
	conv, err := svc.ctxSvc.GetOrCreateConversation(req)
	if err != nil {
		return nil, err
	}

	var metadata map[string]interface{}
	if verdict.Action == shared.ActionFlagged {
		metadata = map[string]interface{}{
			"moderation": verdict.Action,
			"categories": verdict.Categories,
		}
	}

	userMsg, err := svc.ctxSvc.AddMessageToContext(conv.ID, shared.RoleUser, req.Message, metadata)
	if err != nil {
		return nil, err
	}
	if verdict.Action == shared.ActionFlagged {
		svc.modSvc.AttachMessage(verdict.LogID, userMsg.ID)
	}

	// 4. Assemble the bounded context
	persona := svc.characters.GetSystemPrompt(ctx, conv.CharacterID)
	messages, info, err := svc.ctxSvc.PrepareAIContext(conv.ID, persona)
	if err != nil {
		return nil, err
	}

	// 5. Model call. The committed user turn survives any failure here.
	reply, err := svc.llm.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	// 6. Commit the assistant turn
	assistantMsg, err := svc.ctxSvc.AddMessageToContext(conv.ID, shared.RoleAssistant, reply, nil)
	if err != nil {
		// The reply was produced; losing the row is logged, not fatal.
		log.Printf("Failed to persist assistant reply for %s: %v", conv.ID, err)
		assistantMsg = nil
	}

	go svc.ctxSvc.UpdateConversationSummary(conv.ID)

	resp := &dto.ChatResponse{
		ConversationID: conv.ID,
		Reply:          reply,
		ContextInfo:    info,
	}
	if assistantMsg != nil {
		resp.MessageID = assistantMsg.ID
	}
	if verdict.Action == shared.ActionFlagged {
		v := verdict
		resp.Moderation = &v
	}

	return resp, nil
}
