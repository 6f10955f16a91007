package dto

// ChatRequest is one conversational turn from the client.
type ChatRequest struct {
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid"`
	CharacterID    string `json:"character_id" validate:"required,max=255"`
	UserID         string `json:"user_id" validate:"required,max=255"`
	Message        string `json:"message" validate:"required,max=8000"`
}

// ConversationCreateRequest opens an empty conversation ahead of the first
// turn.
type ConversationCreateRequest struct {
	UserID      string `json:"user_id" validate:"required,max=255"`
	CharacterID string `json:"character_id" validate:"required,max=255"`
}

// ChatMessage is the exact shape handed to the external model.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,chat_role"`
	Content string `json:"content"`
}

// ContextInfo describes how the context window was assembled, for
// observability only.
type ContextInfo struct {
	TotalTokens  int  `json:"total_tokens"`
	MessageCount int  `json:"message_count"`
	Truncated    bool `json:"truncated"`
	SummaryUsed  bool `json:"summary_used"`
}

type ChatResponse struct {
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	Reply          string            `json:"reply"`
	Moderation     *ModerationResult `json:"moderation,omitempty"`
	ContextInfo    *ContextInfo      `json:"context_info"`
}
