package shared

const (
	UserID = "user_id"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	ActionAllowed = "allowed"
	ActionFlagged = "flagged"
	ActionBlocked = "blocked"

	EndpointChatMessage        = "chat_message"
	EndpointConversationCreate = "conversation_create"
	EndpointAppealSubmit       = "appeal_submit"
	EndpointAPIGeneral         = "api_general"
	EndpointAPIStrict          = "api_strict"

	CategorySpam      = "spam"
	CategoryStructure = "structure"
	CategoryError     = "error"
)
