package services

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aidol-labs/aidol-api/dto"
	"github.com/aidol-labs/aidol-api/shared"
)

// LLMService is the single point of contact with the external model. Only
// its input/output contract matters to the pipeline; everything upstream
// treats it as a black box.
type LLMService struct {
	appContext.DefaultService

	client  *openai.Client
	model   string
	limiter *rate.Limiter
	timeout time.Duration

	monSvc *MonitoringService
}

const LLM_SVC = "llm_svc"

func (svc LLMService) Id() string {
	return LLM_SVC
}

func (svc *LLMService) Configure(ctx *appContext.Context) error {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey != "" {
		cfg := openai.DefaultConfig(apiKey)
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			cfg.BaseURL = baseURL
		}
		svc.client = openai.NewClientWithConfig(cfg)
	}

	svc.model = os.Getenv("LLM_MODEL")
	if svc.model == "" {
		svc.model = openai.GPT4oMini
	}

	// Client-side pacing so one hot conversation cannot starve the
	// provider quota for everyone else.
	rps := 5.0
	if v := os.Getenv("LLM_MAX_RPS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	svc.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)

	svc.timeout = 30 * time.Second
	if v := os.Getenv("LLM_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			svc.timeout = time.Duration(ms) * time.Millisecond
		}
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *LLMService) Start() error {
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	if svc.client == nil {
		log.Warn("OPENAI_API_KEY not set, chat completions will be unavailable")
	}
	return nil
}

// Complete forwards the prepared context to the model and returns the
// assistant reply.
func (svc *LLMService) Complete(ctx context.Context, messages []dto.ChatMessage) (string, error) {
	if svc.client == nil {
		return "", shared.NewAppError(http.StatusServiceUnavailable, "Model provider not configured", nil)
	}

	if err := svc.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		reqMessages = append(reqMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, svc.timeout)
	defer cancel()

	start := time.Now()
	resp, err := svc.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:    svc.model,
		Messages: reqMessages,
	})
	svc.monSvc.RecordModelCall(time.Since(start), err)

	if err != nil {
		log.WithFields(log.Fields{
			"model": svc.model,
			"error": err.Error(),
		}).Error("Model call failed")
		return "", shared.NewAppError(http.StatusBadGateway, "Model provider unavailable", nil)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}
