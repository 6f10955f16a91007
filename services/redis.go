package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/redis/go-redis/v9"
)

type RedisService struct {
	appContext.DefaultService
	redis *redis.Client
}

const REDIS_SVC = "redis_svc"

func (svc RedisService) Id() string {
	return REDIS_SVC
}

func (svc *RedisService) Configure(ctx *appContext.Context) error {
	svc.initRedisClient()
	return svc.DefaultService.Configure(ctx)
}

func (svc *RedisService) Start() error {
	if svc.redis != nil {
		ctx := context.Background()
		_, err := svc.redis.Ping(ctx).Result()
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}
	return nil
}

func (svc *RedisService) initRedisClient() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		if os.Getenv("RATE_LIMIT_BACKEND") != "redis" {
			// Nothing needs redis, leave the client unset
			return
		}
		redisAddr = "localhost:6379"
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")

	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			redisDB = db
		}
	}

	svc.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
}

func (svc *RedisService) GetClient() *redis.Client {
	return svc.redis
}

// ==================== WINDOW STORE ====================

// incrWindowScript is the atomic conditional increment: never pushes the
// counter past max, sets the retention TTL on first increment. Returns
// {count, incremented}.
var incrWindowScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return {tonumber(current), 0}
end
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {count, 1}
`)

func windowKey(key WindowKey) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", key.SubjectID, key.Endpoint, key.WindowStart)
}

func blockKey(subjectID, endpoint string) string {
	return fmt.Sprintf("ratelimit:block:%s:%s", subjectID, endpoint)
}

func (svc *RedisService) IncrementWindow(ctx context.Context, key WindowKey, max int, retention time.Duration) (int, bool, error) {
	if svc.redis == nil {
		return 0, false, fmt.Errorf("redis client not initialized")
	}

	res, err := incrWindowScript.Run(ctx, svc.redis, []string{windowKey(key)}, max, retention.Milliseconds()).Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script reply: %v", res)
	}

	count, _ := res[0].(int64)
	incremented, _ := res[1].(int64)
	return int(count), incremented == 1, nil
}

func (svc *RedisService) GetWindowCount(ctx context.Context, key WindowKey) (int, error) {
	if svc.redis == nil {
		return 0, fmt.Errorf("redis client not initialized")
	}

	count, err := svc.redis.Get(ctx, windowKey(key)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// DeleteWindowsBefore drops this subject's window keys older than cutoff.
// Routine expiry is handled by the retention TTL; this path exists for the
// admin reset, which passes MaxInt64 to clear the live window too.
func (svc *RedisService) DeleteWindowsBefore(ctx context.Context, subjectID, endpoint string, cutoff int64) error {
	if svc.redis == nil {
		return fmt.Errorf("redis client not initialized")
	}

	pattern := fmt.Sprintf("ratelimit:%s:%s:*", subjectID, endpoint)
	iter := svc.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		start, err := strconv.ParseInt(key[strings.LastIndex(key, ":")+1:], 10, 64)
		if err != nil || start >= cutoff {
			continue
		}
		if err := svc.redis.Del(ctx, key).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (svc *RedisService) DeleteBlock(ctx context.Context, subjectID, endpoint string) error {
	if svc.redis == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return svc.redis.Del(ctx, blockKey(subjectID, endpoint)).Err()
}

func (svc *RedisService) SetBlock(ctx context.Context, subjectID, endpoint string, until time.Time) error {
	if svc.redis == nil {
		return fmt.Errorf("redis client not initialized")
	}

	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return svc.redis.Set(ctx, blockKey(subjectID, endpoint), until.UnixMilli(), ttl).Err()
}

func (svc *RedisService) GetBlock(ctx context.Context, subjectID, endpoint string) (*time.Time, error) {
	if svc.redis == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}

	millis, err := svc.redis.Get(ctx, blockKey(subjectID, endpoint)).Int64()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	until := time.UnixMilli(millis)
	if time.Now().After(until) {
		return nil, nil
	}
	return &until, nil
}
