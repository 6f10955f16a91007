package services

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/aidol-labs/aidol-api/dto"
	"github.com/aidol-labs/aidol-api/shared"
)

type RateLimitService struct {
	appContext.DefaultService

	configs map[string]*RateLimitConfig
	mutex   sync.RWMutex

	store        WindowStore
	monSvc       *MonitoringService
	checkTimeout time.Duration
	now          func() time.Time

	sqlSvc *SqlService
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Endpoint      string        `json:"endpoint"`
	MaxRequests   int           `json:"max_requests"`
	WindowSize    time.Duration `json:"window_size"`
	BlockDuration time.Duration `json:"block_duration"`
	Description   string        `json:"description"`
	IsActive      bool          `json:"is_active"`
}

const RATE_LIMIT_SVC = "rate_limit_svc"

func (svc RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

func (svc *RateLimitService) Configure(ctx *appContext.Context) error {
	svc.configs = make(map[string]*RateLimitConfig)
	svc.checkTimeout = 50 * time.Millisecond
	if ms := os.Getenv("RATE_LIMIT_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			svc.checkTimeout = time.Duration(v) * time.Millisecond
		}
	}
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	if os.Getenv("RATE_LIMIT_BACKEND") == "redis" {
		svc.store = svc.Service(REDIS_SVC).(*RedisService)
		log.Println("Rate limiter using redis window store")
	} else {
		svc.store = svc.sqlSvc
	}

	svc.initDefaultConfigs()

	// Start background cleanup job
	go svc.startCleanupJob()

	return nil
}

// ==================== CONFIGURATION MANAGEMENT ====================

func (svc *RateLimitService) initDefaultConfigs() {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	svc.configs = map[string]*RateLimitConfig{
		shared.EndpointChatMessage: {
			Endpoint:    shared.EndpointChatMessage,
			MaxRequests: 30,
			WindowSize:  time.Minute,
			Description: "Chat messages per user",
			IsActive:    true,
		},
		shared.EndpointConversationCreate: {
			Endpoint:      shared.EndpointConversationCreate,
			MaxRequests:   10,
			WindowSize:    15 * time.Minute,
			BlockDuration: 30 * time.Minute,
			Description:   "Conversation creation rate limit",
			IsActive:      true,
		},
		shared.EndpointAppealSubmit: {
			Endpoint:      shared.EndpointAppealSubmit,
			MaxRequests:   5,
			WindowSize:    time.Hour,
			BlockDuration: 2 * time.Hour,
			Description:   "Moderation appeal rate limit",
			IsActive:      true,
		},
		shared.EndpointAPIGeneral: {
			Endpoint:    shared.EndpointAPIGeneral,
			MaxRequests: 1000,
			WindowSize:  time.Hour,
			Description: "General API rate limit per IP",
			IsActive:    true,
		},
		shared.EndpointAPIStrict: {
			Endpoint:      shared.EndpointAPIStrict,
			MaxRequests:   100,
			WindowSize:    10 * time.Minute,
			BlockDuration: 24 * time.Hour,
			Description:   "Strict rate limit for abuse prevention",
			IsActive:      true,
		},
	}
}

func (svc *RateLimitService) getConfig(endpoint string) (*RateLimitConfig, bool) {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()
	cfg, ok := svc.configs[endpoint]
	return cfg, ok
}

// SetConfig replaces the config for an endpoint. Used by admin handlers and tests.
func (svc *RateLimitService) SetConfig(cfg *RateLimitConfig) {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()
	if svc.configs == nil {
		svc.configs = make(map[string]*RateLimitConfig)
	}
	svc.configs[cfg.Endpoint] = cfg
}

// ==================== CORE RATE LIMITING LOGIC ====================

// CheckAndConsume admits or rejects one request for (subjectID, endpoint).
// Storage failures and timeouts fail open: availability of chat outranks
// strict quota enforcement.
func (svc *RateLimitService) CheckAndConsume(subjectID, endpoint string) *dto.RateLimitResult {
	config, exists := svc.getConfig(endpoint)
	if !exists || !config.IsActive {
		return &dto.RateLimitResult{Allowed: true, Remaining: -1}
	}

	if svc.now == nil {
		svc.now = time.Now
	}
	now := svc.now()
	windowMs := config.WindowSize.Milliseconds()
	windowStart := now.UnixMilli() / windowMs * windowMs
	resetTime := time.UnixMilli(windowStart + windowMs)

	ctx, cancel := context.WithTimeout(context.Background(), svc.checkTimeout)
	defer cancel()

	// Explicit penalty markers short-circuit the counter entirely.
	if config.BlockDuration > 0 {
		until, err := svc.store.GetBlock(ctx, subjectID, endpoint)
		if err != nil {
			return svc.failOpen(endpoint, config, err)
		}
		if until != nil && now.Before(*until) {
			svc.monSvc.RecordAdmission(endpoint, "blocked")
			return &dto.RateLimitResult{
				Allowed:    false,
				Limit:      config.MaxRequests,
				Remaining:  0,
				ResetTime:  until,
				RetryAfter: int(math.Ceil(until.Sub(now).Seconds())),
			}
		}
	}

	key := WindowKey{SubjectID: subjectID, Endpoint: endpoint, WindowStart: windowStart}
	count, incremented, err := svc.store.IncrementWindow(ctx, key, config.MaxRequests, 2*config.WindowSize)
	if err != nil {
		return svc.failOpen(endpoint, config, err)
	}

	if !incremented {
		// Window exhausted. No increment happened.
		retryAfter := int(math.Ceil(float64(windowStart+windowMs-now.UnixMilli()) / 1000.0))
		if retryAfter < 1 {
			retryAfter = 1
		}

		result := &dto.RateLimitResult{
			Allowed:    false,
			Limit:      config.MaxRequests,
			Remaining:  0,
			ResetTime:  &resetTime,
			RetryAfter: retryAfter,
		}

		if config.BlockDuration > 0 {
			until := now.Add(config.BlockDuration)
			if err := svc.store.SetBlock(ctx, subjectID, endpoint, until); err != nil {
				log.Printf("Failed to set rate limit block for %s/%s: %v", subjectID, endpoint, err)
			} else {
				result.ResetTime = &until
				result.RetryAfter = int(math.Ceil(until.Sub(now).Seconds()))
			}
		}

		svc.monSvc.RecordAdmission(endpoint, "rejected")
		return result
	}

	// Opportunistic GC: when a fresh window is created, drop this key's
	// windows older than two window lengths.
	if count == 1 {
		cutoff := windowStart - 2*windowMs
		go func() {
			if err := svc.store.DeleteWindowsBefore(context.Background(), subjectID, endpoint, cutoff); err != nil {
				log.Printf("Rate limit window GC failed for %s/%s: %v", subjectID, endpoint, err)
			}
		}()
	}

	svc.monSvc.RecordAdmission(endpoint, "allowed")
	return &dto.RateLimitResult{
		Allowed:   true,
		Limit:     config.MaxRequests,
		Remaining: config.MaxRequests - count,
		ResetTime: &resetTime,
	}
}

func (svc *RateLimitService) failOpen(endpoint string, config *RateLimitConfig, err error) *dto.RateLimitResult {
	log.WithFields(log.Fields{
		"endpoint": endpoint,
		"error":    err.Error(),
	}).Warn("Rate limit storage error, failing open")

	svc.monSvc.RecordAdmission(endpoint, "fail_open")
	return &dto.RateLimitResult{
		Allowed:   true,
		Limit:     config.MaxRequests,
		Remaining: 0,
	}
}

// ResetRateLimit clears every window counter and any escalation block for
// the subject, so an admin reset readmits immediately.
func (svc *RateLimitService) ResetRateLimit(subjectID, endpoint string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := svc.store.DeleteWindowsBefore(ctx, subjectID, endpoint, math.MaxInt64); err != nil {
		return err
	}
	return svc.store.DeleteBlock(ctx, subjectID, endpoint)
}

// ==================== MIDDLEWARE FUNCTIONS ====================

// UserRateLimit applies rate limiting keyed on the authenticated user,
// falling back to client IP.
func (svc *RateLimitService) UserRateLimit(endpoint string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		subjectID := subjectFromRequest(c)

		result := svc.CheckAndConsume(subjectID, endpoint)
		addRateLimitHeaders(c, result)

		if !result.Allowed {
			return handleRateLimitExceeded(c, result)
		}

		return c.Next()
	}
}

// IPRateLimit applies general rate limiting by IP address
func (svc *RateLimitService) IPRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := getClientIP(c)

		result := svc.CheckAndConsume(ip, shared.EndpointAPIGeneral)
		addRateLimitHeaders(c, result)

		if !result.Allowed {
			return handleRateLimitExceeded(c, result)
		}

		return c.Next()
	}
}

// StrictRateLimit applies strict rate limiting for sensitive endpoints
func (svc *RateLimitService) StrictRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := getClientIP(c)

		result := svc.CheckAndConsume(ip, shared.EndpointAPIStrict)
		addRateLimitHeaders(c, result)

		if !result.Allowed {
			return handleRateLimitExceeded(c, result)
		}

		return c.Next()
	}
}

// ==================== HELPER FUNCTIONS ====================

func subjectFromRequest(c *fiber.Ctx) string {
	userID := c.Locals(shared.UserID)
	if userID != nil {
		if userIDStr, ok := userID.(string); ok && userIDStr != "" {
			return userIDStr
		}
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err == nil && body.UserID != "" {
			return body.UserID
		}
	}

	return getClientIP(c)
}

func addRateLimitHeaders(c *fiber.Ctx, result *dto.RateLimitResult) {
	if result == nil {
		return
	}

	if result.Limit > 0 {
		c.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	}

	if result.Remaining >= 0 {
		c.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	}

	if result.ResetTime != nil {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	}

	if result.RetryAfter > 0 {
		c.Set("Retry-After", strconv.Itoa(result.RetryAfter))
	}
}

func handleRateLimitExceeded(c *fiber.Ctx, result *dto.RateLimitResult) error {
	return shared.ResponseJSON(c, http.StatusTooManyRequests, "Too many requests. Please try again later.", result)
}

// ==================== UTILITY FUNCTIONS ====================

func getClientIP(c *fiber.Ctx) string {
	// Check for forwarded IP first (for load balancers/proxies)
	forwarded := c.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	// Check for real IP header
	realIP := c.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	// Check Cloudflare header
	cfIP := c.Get("CF-Connecting-IP")
	if cfIP != "" {
		return cfIP
	}

	// Fall back to remote address
	ip, _, err := net.SplitHostPort(c.Context().RemoteAddr().String())
	if err != nil {
		return c.Context().RemoteAddr().String()
	}

	return ip
}

// ==================== ADMIN FUNCTIONS ====================

func (svc *RateLimitService) GetRateLimitStats() fiber.Handler {
	return func(c *fiber.Ctx) error {
		svc.mutex.RLock()
		configs := make(map[string]*RateLimitConfig)
		for k, v := range svc.configs {
			configs[k] = v
		}
		svc.mutex.RUnlock()

		stats := map[string]interface{}{
			"configs":   configs,
			"timestamp": time.Now(),
		}

		return shared.ResponseJSON(c, http.StatusOK, "Rate limit statistics", stats)
	}
}

func (svc *RateLimitService) CleanupRateLimits() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := svc.sqlSvc.CleanupOldRecords(svc.maxConfiguredWindow()); err != nil {
			return shared.ResponseJSON(c, http.StatusInternalServerError, "Failed to cleanup rate limits", err.Error())
		}
		return shared.ResponseJSON(c, http.StatusOK, "Rate limits cleaned up successfully", nil)
	}
}

func (svc *RateLimitService) RemoveRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		subjectID := c.Params("subjectId")
		endpoint := c.Params("endpoint")

		if subjectID == "" || endpoint == "" {
			return shared.ResponseJSON(c, http.StatusBadRequest, "Missing subject or endpoint", nil)
		}

		if err := svc.ResetRateLimit(subjectID, endpoint); err != nil {
			return shared.ResponseJSON(c, http.StatusInternalServerError, "Failed to remove rate limit", err.Error())
		}

		message := fmt.Sprintf("Rate limit removed for %s/%s", subjectID, endpoint)
		return shared.ResponseJSON(c, http.StatusOK, message, nil)
	}
}

func (svc *RateLimitService) UpdateConfig() fiber.Handler {
	return func(c *fiber.Ctx) error {
		endpoint := c.Params("endpoint")

		var req struct {
			MaxRequests   int    `json:"max_requests"`
			WindowSize    string `json:"window_size"`    // e.g., "15m", "1h"
			BlockDuration string `json:"block_duration"` // e.g., "30m", "2h"
			IsActive      *bool  `json:"is_active"`
		}

		if err := c.BodyParser(&req); err != nil {
			return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request body", err.Error())
		}

		svc.mutex.Lock()
		config, exists := svc.configs[endpoint]
		if !exists {
			svc.mutex.Unlock()
			return shared.ResponseJSON(c, http.StatusNotFound, "Endpoint not found", nil)
		}

		if req.MaxRequests > 0 {
			config.MaxRequests = req.MaxRequests
		}

		if req.WindowSize != "" {
			if duration, err := time.ParseDuration(req.WindowSize); err == nil {
				config.WindowSize = duration
			}
		}

		if req.BlockDuration != "" {
			if duration, err := time.ParseDuration(req.BlockDuration); err == nil {
				config.BlockDuration = duration
			}
		}

		if req.IsActive != nil {
			config.IsActive = *req.IsActive
		}

		svc.mutex.Unlock()

		return shared.ResponseJSON(c, http.StatusOK, "Configuration updated successfully", config)
	}
}

// ==================== BACKGROUND JOBS ====================

func (svc *RateLimitService) maxConfiguredWindow() time.Duration {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()

	max := time.Minute
	for _, cfg := range svc.configs {
		if cfg.WindowSize > max {
			max = cfg.WindowSize
		}
	}
	return max
}

func (svc *RateLimitService) startCleanupJob() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		if err := svc.sqlSvc.CleanupOldRecords(svc.maxConfiguredWindow()); err != nil {
			log.Printf("Rate limit cleanup error: %v", err)
		}
	}
}
