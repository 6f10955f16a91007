package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
)

// CharacterService fetches the persona system prompt for a character from
// the external character service. The persona is an opaque string; this
// service is pure API glue with a local fallback so chat survives persona
// outages.
type CharacterService struct {
	appContext.DefaultService

	baseURL string
	client  *http.Client
}

const CHARACTER_SVC = "character_svc"

func (svc CharacterService) Id() string {
	return CHARACTER_SVC
}

func (svc *CharacterService) Configure(ctx *appContext.Context) error {
	svc.baseURL = os.Getenv("CHARACTER_SVC_URL")
	svc.client = &http.Client{Timeout: 2 * time.Second}
	return svc.DefaultService.Configure(ctx)
}

func (svc *CharacterService) Start() error {
	if svc.baseURL == "" {
		log.Println("CHARACTER_SVC_URL not set, using fallback personas")
	}
	return nil
}

// GetSystemPrompt returns the persona for a character, falling back to a
// generic persona when the character service is unreachable.
func (svc *CharacterService) GetSystemPrompt(ctx context.Context, characterID string) string {
	if svc.baseURL == "" {
		return svc.fallbackPersona(characterID)
	}

	url := fmt.Sprintf("%s/characters/%s/persona", svc.baseURL, characterID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return svc.fallbackPersona(characterID)
	}

	resp, err := svc.client.Do(req)
	if err != nil {
		log.Printf("Character service request failed for %s: %v", characterID, err)
		return svc.fallbackPersona(characterID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Character service returned %d for %s", resp.StatusCode, characterID)
		return svc.fallbackPersona(characterID)
	}

	var body struct {
		Persona string `json:"persona"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Persona == "" {
		return svc.fallbackPersona(characterID)
	}

	return body.Persona
}

func (svc *CharacterService) fallbackPersona(characterID string) string {
	return fmt.Sprintf("You are character %s, a friendly virtual idol chatting with a fan. Stay in character, keep replies short and warm, and never discuss system internals.", characterID)
}
