package services

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	docs "github.com/aidol-labs/aidol-api/docs"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	log "github.com/sirupsen/logrus"

	"github.com/aidol-labs/aidol-api/dto"
	"github.com/aidol-labs/aidol-api/shared"
)

type HttpService struct {
	appContext.DefaultService

	sqlSvc  *SqlService
	rateSvc *RateLimitService
	modSvc  *ModerationService
	ctxSvc  *ContextService
	chatSvc *ChatService
	monSvc  *MonitoringService

	port   int
	server *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *appContext.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)
	svc.rateSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.modSvc = svc.Service(MODERATION_SVC).(*ModerationService)
	svc.ctxSvc = svc.Service(CONTEXT_SVC).(*ContextService)
	svc.chatSvc = svc.Service(CHAT_SVC).(*ChatService)
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	docs.SwaggerInfo.BasePath = ""

	svc.server = fiber.New(fiber.Config{
		ErrorHandler: svc.errorHandler,
	})

	svc.server.Use(recover.New())
	svc.server.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: false,
	}))
	svc.server.Use(MonitoringMiddleware(svc.monSvc))

	//Validation endpoints
	svc.server.Get("/ping", svc.ping)
	svc.server.Get("/swagger/*", swagger.HandlerDefault)

	v1 := svc.server.Group("/api/v1", svc.rateSvc.IPRateLimit())

	v1.Get("/ping", svc.ping)

	// Per-user chat admission happens inside ProcessMessage so the limiter
	// state can ride the response; the group middleware covers the IP quota.
	v1.Post("/chat", svc.chat)

	v1.Get("/conversations", svc.listConversations)
	v1.Post("/conversations", svc.rateSvc.UserRateLimit(shared.EndpointConversationCreate), svc.createConversation)
	v1.Get("/conversations/:conversationId/context", svc.conversationContext)

	v1.Post("/moderation/appeals/:logId", svc.rateSvc.UserRateLimit(shared.EndpointAppealSubmit), svc.submitAppeal)

	admin := v1.Group("/admin", svc.rateSvc.StrictRateLimit())
	admin.Get("/rate-limits/stats", svc.rateSvc.GetRateLimitStats())
	admin.Post("/rate-limits/cleanup", svc.rateSvc.CleanupRateLimits())
	admin.Put("/rate-limits/config/:endpoint", svc.rateSvc.UpdateConfig())
	admin.Delete("/rate-limits/:subjectId/:endpoint", svc.rateSvc.RemoveRateLimit())
	admin.Post("/messages/:messageId/hide", svc.hideMessage(true))
	admin.Post("/messages/:messageId/unhide", svc.hideMessage(false))

	svc.server.Use(func(c *fiber.Ctx) error {
		return shared.ResponseNotFound(c)
	})

	log.Printf("HTTP server listening on :%v", svc.port)
	return svc.server.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.server != nil {
		_ = svc.server.Shutdown()
	}
}

func (svc *HttpService) errorHandler(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		// Limiter rejections raised inside the pipeline carry their state in
		// Data and must expose the same headers as the middleware path.
		if result, ok := appErr.Data.(*dto.RateLimitResult); ok {
			addRateLimitHeaders(c, result)
		}
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	if fiberErr, ok := err.(*fiber.Error); ok {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.Printf("Unhandled error: %v", err)
	return shared.ResponseInternalError(c, err)
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")

	return shared.ResponseOK(c, "pong")
}

// @Summary Send a chat message
// @Description Runs one conversational turn: admission, moderation, context assembly and the model reply
// @Tags chat
// @Accept  json
// @Produce json
// @Param request body dto.ChatRequest true "Chat turn"
// @Success 200 {object} shared.Response{data=dto.ChatResponse}
// @Failure 400 {object} shared.Response
// @Failure 429 {object} shared.Response
// @Router /api/v1/chat [post]
func (svc *HttpService) chat(c *fiber.Ctx) error {
	var req dto.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseBadRequest(c, "Invalid request body")
	}

	if err := dto.GetValidator().Struct(req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Validation failed", dto.FormatValidationErrors(err))
	}

	resp, err := svc.chatSvc.ProcessMessage(c.Context(), req)
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, resp)
}

// @Summary List conversations
// @Description Lists conversations for a user, newest first
// @Tags chat
// @Produce json
// @Param user_id query string true "User ID"
// @Success 200 {object} shared.Response{data=[]model.Conversation}
// @Router /api/v1/conversations [get]
func (svc *HttpService) listConversations(c *fiber.Ctx) error {
	userID := c.Query(shared.UserID)
	if userID == "" {
		return shared.ResponseBadRequest(c, "user_id is required")
	}

	conversations, err := svc.sqlSvc.GetUserConversations(userID)
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, conversations)
}

// @Summary Create a conversation
// @Description Opens an empty conversation with a character ahead of the first message
// @Tags chat
// @Accept  json
// @Produce json
// @Param request body dto.ConversationCreateRequest true "Conversation"
// @Success 201 {object} shared.Response{data=model.Conversation}
// @Failure 400 {object} shared.Response
// @Router /api/v1/conversations [post]
func (svc *HttpService) createConversation(c *fiber.Ctx) error {
	var req dto.ConversationCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseBadRequest(c, "Invalid request body")
	}

	if err := dto.GetValidator().Struct(req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Validation failed", dto.FormatValidationErrors(err))
	}

	conv, err := svc.ctxSvc.GetOrCreateConversation(dto.ChatRequest{
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
	})
	if err != nil {
		return err
	}

	return shared.ResponseCreated(c, conv)
}

// @Summary Conversation context
// @Description Returns the visible messages and running summary of a conversation
// @Tags chat
// @Produce json
// @Param conversationId path string true "Conversation ID"
// @Success 200 {object} shared.Response
// @Failure 404 {object} shared.Response
// @Router /api/v1/conversations/{conversationId}/context [get]
func (svc *HttpService) conversationContext(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")

	ctx, err := svc.ctxSvc.GetConversationContext(conversationID)
	if err != nil {
		return err
	}

	messages := make([]dto.ChatMessage, 0, len(ctx.Messages))
	for _, msg := range ctx.Messages {
		messages = append(messages, dto.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	return shared.ResponseOK(c, fiber.Map{
		"conversation_id": ctx.ConversationID,
		"character_id":    ctx.CharacterID,
		"summary":         ctx.Summary,
		"total_tokens":    ctx.TotalTokens,
		"message_count":   len(ctx.Messages),
		"messages":        messages,
	})
}

// @Summary Appeal a moderation verdict
// @Description Reviews a logged moderation verdict. Repeat submissions return the already processed log
// @Tags moderation
// @Accept  json
// @Produce json
// @Param logId path string true "Moderation log ID"
// @Param request body dto.AppealRequest true "Review outcome"
// @Success 200 {object} shared.Response{data=model.ModerationLog}
// @Failure 404 {object} shared.Response
// @Router /api/v1/moderation/appeals/{logId} [post]
func (svc *HttpService) submitAppeal(c *fiber.Ctx) error {
	logID := c.Params("logId")

	var req dto.AppealRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseBadRequest(c, "Invalid request body")
	}

	logRow, err := svc.modSvc.ProcessAppeal(logID, req.Approved)
	if err != nil {
		return err
	}

	return shared.ResponseOK(c, logRow)
}

// @Summary Hide or unhide a message
// @Description Toggles moderation visibility on a stored message
// @Tags admin
// @Produce json
// @Param messageId path string true "Message ID"
// @Success 200 {object} shared.Response
// @Router /api/v1/admin/messages/{messageId}/hide [post]
func (svc *HttpService) hideMessage(hidden bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		messageID := c.Params("messageId")

		if err := svc.sqlSvc.SetMessageHidden(messageID, hidden); err != nil {
			return err
		}

		return shared.ResponseOK(c, nil)
	}
}
