package domain

// Chat roles accepted by the completion provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the handler
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IsHistoryRole reports whether role may appear in client-supplied history.
// The system turn is always owned by the server.
func IsHistoryRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
