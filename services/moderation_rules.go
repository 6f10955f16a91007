package services

import "github.com/aidol-labs/aidol-api/shared"

// ModerationRule is one declarative rule. Pattern is either a regular
// expression or a case-insensitive substring, selected by IsRegex.
type ModerationRule struct {
	ID          string
	Pattern     string
	IsRegex     bool
	Category    string
	Action      string
	Confidence  float64
	Description string
}

// defaultModerationRules is loaded once per process. Rules are addable
// without touching the evaluation code.
var defaultModerationRules = []ModerationRule{
	{
		ID:          "test_block",
		Pattern:     "SIMULATE_CONTENT_BLOCK",
		Category:    "test",
		Action:      shared.ActionBlocked,
		Confidence:  1.0,
		Description: "Deterministic block trigger for integration tests",
	},
	{
		ID:          "test_flag",
		Pattern:     "SIMULATE_CONTENT_FLAG",
		Category:    "test",
		Action:      shared.ActionFlagged,
		Confidence:  1.0,
		Description: "Deterministic flag trigger for integration tests",
	},
	{
		ID:          "harassment_threat",
		Pattern:     `(?i)\b(kill|hurt|attack)\s+(yourself|urself)\b`,
		IsRegex:     true,
		Category:    "harassment",
		Action:      shared.ActionBlocked,
		Confidence:  0.95,
		Description: "Direct threats and self-harm incitement",
	},
	{
		ID:          "harassment_slur",
		Pattern:     "worthless piece of",
		Category:    "harassment",
		Action:      shared.ActionFlagged,
		Confidence:  0.7,
		Description: "Degrading language aimed at a person",
	},
	{
		ID:          "personal_info_phone",
		Pattern:     `\b\+?\d[\d\s\-\(\)]{8,}\d\b`,
		IsRegex:     true,
		Category:    "personal_info",
		Action:      shared.ActionFlagged,
		Confidence:  0.6,
		Description: "Phone number shared in chat",
	},
	{
		ID:          "personal_info_ssn",
		Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
		IsRegex:     true,
		Category:    "personal_info",
		Action:      shared.ActionBlocked,
		Confidence:  0.9,
		Description: "US social security number format",
	},
	{
		ID:          "scam_seed_phrase",
		Pattern:     "seed phrase",
		Category:    "scam",
		Action:      shared.ActionFlagged,
		Confidence:  0.75,
		Description: "Wallet seed phrase solicitation",
	},
	{
		ID:          "scam_private_key",
		Pattern:     "send me your private key",
		Category:    "scam",
		Action:      shared.ActionBlocked,
		Confidence:  0.9,
		Description: "Wallet private key solicitation",
	},
	{
		ID:          "prompt_injection",
		Pattern:     `(?i)ignore (all )?(previous|prior) instructions`,
		IsRegex:     true,
		Category:    "prompt_injection",
		Action:      shared.ActionFlagged,
		Confidence:  0.8,
		Description: "Attempt to override the character persona",
	},
}

// spamPhrases feed the spam heuristic, not the rule table.
var spamPhrases = []string{
	"free money",
	"click here",
	"buy now",
	"limited time offer",
	"congratulations you won",
	"crypto giveaway",
	"double your",
}
