package main

import (
	"github.com/aidol-labs/aidol-api/services"

	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// @title AIdol API
// @version 1.0
// @description Chat admission, moderation and context pipeline for AI character conversations.
// @BasePath /
func main() {
	err := godotenv.Load()
	if err != nil {
		log.Warn().Err(err).Msg("No .env file loaded")
	}

	ctx, err := context.NewCtx(

		&services.SqlService{},
		&services.RedisService{},
		&services.MonitoringService{},

		&services.RateLimitService{},
		&services.ModerationService{},
		&services.ContextService{},

		&services.CharacterService{},
		&services.LLMService{},
		&services.ChatService{},

		&services.HttpService{},
	)
	if err != nil {
		log.Fatal().Err(err)
		return
	}

	err = ctx.Run()
	if err != nil {
		log.Fatal().Err(err)
		return
	}
}
